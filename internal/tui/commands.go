package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/kinosync/internal/action"
	"github.com/mmcdole/kinosync/internal/remote"
)

const actionTimeout = 2 * time.Minute

// Invoker runs declared operations. *action.Binder satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, op action.Operation, input any) (*remote.Response, error)
}

// WaitForEntityCmd returns a command that reads the next value from the
// observer. The model re-issues it after every EntityMsg.
func WaitForEntityCmd(o *EntityObserver) tea.Cmd {
	return func() tea.Msg {
		v, ok := o.Next()
		if !ok {
			return ObserverClosedMsg{Name: o.Name()}
		}
		return EntityMsg{Name: o.Name(), Value: v}
	}
}

// InvokeCmd runs op in the background. Its cache updates reach the view
// through the observer; the message only reports the outcome, with any
// error labelled by the operation.
func InvokeCmd(inv Invoker, op action.Operation, input any) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		res, err := inv.Invoke(ctx, op, input)
		if err != nil {
			err = ErrMsg{Err: err, Context: string(op)}
		}
		return ActionDoneMsg{Op: op, Response: res, Err: err}
	}
}
