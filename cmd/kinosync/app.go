package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/mmcdole/kinosync/internal/action"
	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/cache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/remote"
	"github.com/mmcdole/kinosync/internal/session"
	"github.com/mmcdole/kinosync/internal/store"
	"github.com/mmcdole/kinosync/internal/tui"
	"github.com/mmcdole/kinosync/internal/tui/styles"
)

const opRefresh action.Operation = "refresh"

// clearSpinnerLine clears the spinner line from the terminal
const clearSpinnerLine = "\r                                    \r"

type app struct {
	cfg     *adapter.Config
	logger  *slog.Logger
	store   *store.BoltStore
	cache   *cache.Cache
	session *session.Session
	coord   *remote.Coordinator
	auth    *action.Binder
}

func newApp(cfg *adapter.Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewBoltStore(cfg.Cache.Dir, cfg.Server.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	c := cache.New(logger)
	sess := session.New(c, st, cfg.Auth.Token, logger)

	fingerprint := sess.Fingerprint
	if cfg.Auth.Fingerprint != "" {
		fingerprint = func(context.Context) (string, error) { return cfg.Auth.Fingerprint, nil }
	}

	coord := remote.New(remote.Config{
		Transport:       &http.Client{Timeout: cfg.Server.Timeout},
		BaseURL:         strings.TrimRight(cfg.Server.URL, "/") + cfg.Server.Prefix,
		Token:           sess.Token,
		UpdateAuth:      sess.Update,
		Logout:          sess.Logout,
		Fingerprint:     fingerprint,
		RefreshRoute:    remote.Endpoint{Method: http.MethodPost, Path: cfg.Server.RefreshPath},
		ExpiryThreshold: cfg.Auth.ExpiryThreshold,
		Logger:          logger,
	})

	auth, err := action.New(action.Config{
		Cache:      c,
		Fetcher:    coord,
		Name:       session.AuthEntity,
		Store:      st,
		Operations: sess.Operations(loginRoute(cfg)),
		ErrorTTL:   cfg.Cache.ErrorTTL,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		cache:   c,
		session: sess,
		coord:   coord,
		auth:    auth,
	}, nil
}

func loginRoute(cfg *adapter.Config) remote.Route {
	return remote.Endpoint{Method: http.MethodPost, Path: cfg.Server.LoginPath, Request: remote.FormBody}
}

func (a *app) Close() {
	a.auth.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close cache", "error", err)
	}
}

// login prompts for credentials and signs in.
func (a *app) login() error {
	fmt.Println()
	fmt.Println("kinosync login")
	fmt.Println("━━━━━━━━━━━━━━")

	// Prompt for username
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}
	username = strings.TrimSpace(username)

	// Prompt for password (hidden input)
	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println() // Add newline after hidden input

	input := map[string]any{"username": username, "password": string(passwordBytes)}
	err = withSpinner("Signing in...", func(ctx context.Context) error {
		_, err := a.auth.Invoke(ctx, session.OpLogin, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Println(styles.SuccessStyle.Render("✓ Signed in as " + username))
	return nil
}

// withSpinner runs fn while animating a spinner on the current line.
func withSpinner(label string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	frames := spinner.MiniDot.Frames
	frame := 0
	fmt.Printf("\r%s %s", styles.SpinnerStyle.Render(frames[frame]), label)

	ticker := time.NewTicker(spinner.MiniDot.FPS)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			fmt.Print(clearSpinnerLine)
			return err
		case <-ticker.C:
			frame++
			fmt.Printf("\r%s %s", styles.SpinnerStyle.Render(frames[frame%len(frames)]), label)
		}
	}
}

// watch subscribes to one entity and renders it until the user quits.
func (a *app) watch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	path := fs.String("path", "", "private GET route that refreshes the entity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("watch needs exactly one entity name")
	}
	name := fs.Arg(0)

	var (
		invoker   tui.Invoker
		refreshOp action.Operation
		logoutOp  action.Operation
	)
	initial := action.NewLoadedItem(nil)

	if name == session.AuthEntity {
		initial = session.Initial()
		invoker, logoutOp = a.auth, session.OpLogout
	} else if *path != "" {
		b, err := action.New(action.Config{
			Cache:   a.cache,
			Fetcher: a.coord,
			Name:    name,
			Store:   a.store,
			Operations: map[action.Operation]action.Handlers{
				opRefresh: action.LoadingHandlers(remote.Endpoint{Path: *path, IsPrivate: true}),
			},
			ErrorTTL: a.cfg.Cache.ErrorTTL,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		defer b.Close()
		invoker, refreshOp = b, opRefresh
	}

	ctx := context.Background()
	observer := tui.NewEntityObserver(name)
	id, err := a.cache.Subscribe(ctx, name, observer.OnUpdate, a.store, initial)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	defer func() {
		if err := a.cache.Unsubscribe(ctx, name, a.store, id); err != nil {
			a.logger.Error("failed to persist entity", "entity", name, "error", err)
		}
	}()

	model := tui.NewWatchModel(observer, invoker, refreshOp, logoutOp)
	p := tea.NewProgram(model, tea.WithAltScreen())

	a.logger.Info("watching entity", "entity", name)
	if _, err := p.Run(); err != nil {
		a.logger.Error("TUI error", "error", err)
		return fmt.Errorf("TUI error: %w", err)
	}
	observer.Close()
	return nil
}

// show prints every stored entity whose name matches pattern.
func (a *app) show(args []string) error {
	var (
		names []string
		err   error
	)
	if len(args) == 0 {
		names, err = a.store.Keys()
	} else {
		names, err = a.store.Find(strings.Join(args, " "))
	}
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}
	if len(names) == 0 {
		fmt.Println(styles.DimStyle.Render("no matching entities"))
		return nil
	}

	ctx := context.Background()
	for _, name := range names {
		v, ok, err := a.store.GetItem(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if !ok {
			continue
		}
		fmt.Println(styles.TitleStyle.Render(name) + " " + statusBadge(v))
		fmt.Println(tui.RenderValue(v))
		fmt.Println()
	}
	return nil
}

func statusBadge(v domain.Value) string {
	st := action.StatusOf(v)
	switch {
	case st.Error != "":
		return styles.ErrorStyle.Render(st.Error)
	case st.IsLoaded:
		return styles.BadgeStyle.Render("loaded")
	default:
		return styles.DimBadgeStyle.Render("cached")
	}
}

// logout drops the session and the configured token.
func (a *app) logout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	purge := fs.Bool("purge", false, "also delete every cached entity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := a.auth.Invoke(context.Background(), session.OpLogout, nil); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	if a.cfg.Auth.Token != "" {
		a.cfg.Auth.Token = ""
		if err := adapter.SaveConfig(a.cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}

	if *purge {
		if err := a.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}

	fmt.Println("✓ Logged out")
	return nil
}

// runSetupFlow handles the initial setup when not configured
func runSetupFlow(cfg *adapter.Config) error {
	fmt.Println()
	fmt.Println("Welcome to kinosync!")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter your API base URL (e.g., https://api.example.com): ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		cfg.Server.URL = strings.TrimSpace(input)
		if cfg.Server.URL != "" {
			break
		}
		fmt.Println("URL cannot be empty. Please try again.")
	}

	if err := adapter.SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Configuration saved!")
	fmt.Println()
	fmt.Println("Run kinosync login to sign in.")
	return nil
}
