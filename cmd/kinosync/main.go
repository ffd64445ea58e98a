package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mmcdole/kinosync/internal/adapter"
)

// Version is set at build time via -ldflags
var Version = "dev"

const usage = `usage: kinosync [-v] <command> [args]

commands:
  login                  sign in and store the session
  watch [-path P] NAME   show an entity live; -path refreshes it from P
  show [PATTERN]         print stored entities matching PATTERN
  logout [-purge]        forget the session; -purge also drops the cache
`

func main() {
	// Handle version flag
	var showVersion bool
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if showVersion {
		fmt.Printf("kinosync %s\n", Version)
		return
	}

	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return nil
	}

	// Load configuration
	cfg, err := adapter.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, closer, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger, closer = adapter.NullLogger(), io.NopCloser(nil)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("starting kinosync", "version", Version, "command", args[0])

	if !cfg.IsConfigured() {
		return runSetupFlow(cfg)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "login":
		return a.login()
	case "watch":
		return a.watch(rest)
	case "show":
		return a.show(rest)
	case "logout":
		return a.logout(rest)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
