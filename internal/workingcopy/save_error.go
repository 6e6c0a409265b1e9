package workingcopy

import (
	"context"
	"errors"
	"fmt"

	"docsync/internal/fileio"
)

// ErrUnsupportedAction is returned for save error actions that need a
// target chosen by the user.
var ErrUnsupportedAction = errors.New("save error action is not supported")

// SaveErrorAction is a way out of a failed save.
type SaveErrorAction int

const (
	// ActionOverwrite saves again ignoring the modification on disk.
	ActionOverwrite SaveErrorAction = iota
	// ActionRevert discards the edits and reloads the file.
	ActionRevert
	// ActionRetry saves again unchanged.
	ActionRetry
	// ActionUnlock clears the write lock and saves again.
	ActionUnlock
	// ActionElevated saves again with elevated privileges.
	ActionElevated
	// ActionSaveAs saves to another resource.
	ActionSaveAs
)

func (a SaveErrorAction) String() string {
	switch a {
	case ActionOverwrite:
		return "overwrite"
	case ActionRevert:
		return "revert"
	case ActionRetry:
		return "retry"
	case ActionUnlock:
		return "unlock"
	case ActionElevated:
		return "elevated"
	case ActionSaveAs:
		return "save_as"
	default:
		return "unknown"
	}
}

// ParseSaveErrorAction parses the String form of an action.
func ParseSaveErrorAction(s string) (SaveErrorAction, error) {
	for a := ActionOverwrite; a <= ActionSaveAs; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown save error action %q", s)
}

// SaveError describes a failed save attempt.
type SaveError struct {
	Resource string
	Err      error
	Result   fileio.Result
	// Conflict is set when the file was modified on disk since it was read.
	Conflict bool
	// Actions lists the ways out, most relevant first.
	Actions []SaveErrorAction
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %v", e.Resource, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// HasAction reports whether action is offered for this error.
func (e *SaveError) HasAction(action SaveErrorAction) bool {
	for _, a := range e.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func actionsFor(result fileio.Result, elevated bool) []SaveErrorAction {
	switch result {
	case fileio.ResultModifiedSince:
		return []SaveErrorAction{ActionOverwrite, ActionRevert}
	case fileio.ResultWriteLocked:
		actions := []SaveErrorAction{ActionUnlock}
		if elevated {
			actions = append(actions, ActionElevated)
		}
		return append(actions, ActionRetry, ActionSaveAs, ActionRevert)
	case fileio.ResultPermissionDenied:
		var actions []SaveErrorAction
		if elevated {
			actions = append(actions, ActionElevated)
		}
		return append(actions, ActionRetry, ActionSaveAs, ActionRevert)
	default:
		return []SaveErrorAction{ActionRetry, ActionSaveAs, ActionRevert}
	}
}

// ApplySaveErrorAction runs action and reports whether the copy ended up
// saved.
func (w *WorkingCopy) ApplySaveErrorAction(ctx context.Context, action SaveErrorAction) (bool, error) {
	locked := false
	if last := w.LastSaveError(); last != nil {
		locked = last.Result == fileio.ResultWriteLocked
	}

	switch action {
	case ActionOverwrite:
		return w.Save(ctx, SaveOptions{IgnoreModifiedSince: true})
	case ActionUnlock:
		return w.Save(ctx, SaveOptions{WriteUnlock: true})
	case ActionElevated:
		return w.Save(ctx, SaveOptions{WriteElevated: true, WriteUnlock: locked})
	case ActionRetry:
		return w.Save(ctx, SaveOptions{})
	case ActionRevert:
		if err := w.Revert(ctx, RevertOptions{}); err != nil {
			return false, err
		}
		return w.HasState(StateSaved), nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}
}
