// Package tui renders live cache entities with Bubble Tea.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/kinosync/internal/action"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/tui/styles"
)

// WatchModel shows one entity and re-renders on every value it takes.
type WatchModel struct {
	Observer  *EntityObserver
	Actions   Invoker          // nil disables refresh and logout
	RefreshOp action.Operation // invoked on start and on r
	LogoutOp  action.Operation

	keys    KeyMap
	spinner spinner.Model

	value    domain.Value
	received bool
	busy     int // operations in flight
	lastErr  error
	width    int
}

// NewWatchModel creates the watch view for o.
func NewWatchModel(o *EntityObserver, actions Invoker, refreshOp, logoutOp action.Operation) WatchModel {
	return WatchModel{
		Observer:  o,
		Actions:   actions,
		RefreshOp: refreshOp,
		LogoutOp:  logoutOp,
		keys:      DefaultKeyMap(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.SpinnerStyle)),
		width:     80,
	}
}

// Init implements tea.Model
func (m WatchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, WaitForEntityCmd(m.Observer)}
	if cmd := m.invoke(m.RefreshOp); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (m WatchModel) invoke(op action.Operation) tea.Cmd {
	if m.Actions == nil || op == "" {
		return nil
	}
	return InvokeCmd(m.Actions, op, nil)
}

// Update implements tea.Model
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.Observer.Close()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			if cmd := m.invoke(m.RefreshOp); cmd != nil {
				m.busy++
				return m, cmd
			}
		case key.Matches(msg, m.keys.Logout):
			if cmd := m.invoke(m.LogoutOp); cmd != nil {
				m.busy++
				return m, cmd
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EntityMsg:
		m.value = msg.Value
		m.received = true
		return m, WaitForEntityCmd(m.Observer)

	case ObserverClosedMsg:
		return m, tea.Quit

	case ActionDoneMsg:
		if m.busy > 0 {
			m.busy--
		}
		m.lastErr = msg.Err
		return m, nil
	}
	return m, nil
}

// View implements tea.Model
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(styles.TitleStyle.Render(m.Observer.Name()))
	b.WriteString(" ")
	b.WriteString(m.renderBadge())
	b.WriteString("\n\n")

	if !m.received {
		b.WriteString(m.spinner.View() + " " + styles.DimStyle.Render("Restoring..."))
	} else {
		b.WriteString(styles.ValueStyle.Width(max(m.width-2, 20)).Render(RenderValue(m.value)))
	}
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(styles.ErrorStyle.Render("Error: " + styles.Truncate(m.lastErr.Error(), m.width-7)))
		b.WriteString("\n")
	}

	b.WriteString(m.renderHelp())
	return b.String()
}

func (m WatchModel) renderBadge() string {
	st := action.StatusOf(m.value)
	switch {
	case st.IsLoading || m.busy > 0:
		return m.spinner.View() + " " + styles.DimStyle.Render("loading")
	case st.Error != "":
		return styles.ErrorStyle.Render(st.Error)
	case st.IsLoaded:
		return styles.BadgeStyle.Render("loaded")
	default:
		return styles.DimBadgeStyle.Render("cached")
	}
}

func (m WatchModel) renderHelp() string {
	bindings := m.keys.ShortHelp()
	if m.Actions == nil {
		bindings = []key.Binding{m.keys.Quit}
	}

	parts := make([]string, 0, len(bindings))
	for _, k := range bindings {
		h := k.Help()
		parts = append(parts, styles.AccentStyle.Render(h.Key)+" "+styles.DimStyle.Render(h.Desc))
	}
	return strings.Join(parts, "  ")
}

// RenderValue pretty-prints an entity. Loaded items show their data only;
// the status is rendered separately.
func RenderValue(v domain.Value) string {
	var shown any = v
	if data := action.DataOf(v); data != nil {
		shown = data
	}
	out, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", shown)
	}
	return string(out)
}
