package tui

import (
	"github.com/mmcdole/kinosync/internal/action"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/remote"
)

// Message types for the TUI

// ErrMsg represents an error
type ErrMsg struct {
	Err     error
	Context string
}

// Error implements the error interface
func (e ErrMsg) Error() string {
	if e.Context != "" {
		return e.Context + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e ErrMsg) Unwrap() error { return e.Err }

// EntityMsg carries a value the watched entity took
type EntityMsg struct {
	Name  string
	Value domain.Value
}

// ObserverClosedMsg signals that the subscription ended
type ObserverClosedMsg struct {
	Name string
}

// ActionDoneMsg signals that an operation finished
type ActionDoneMsg struct {
	Op       action.Operation
	Response *remote.Response
	Err      error
}
