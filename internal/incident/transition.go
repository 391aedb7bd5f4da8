package incident

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownAction is wrapped by IllegalTransitionError when a decision names
// an action that maps to no status.
var ErrUnknownAction = errors.New("unknown decision action")

var transitions = map[Status][]Status{
	StatusNew:       {StatusTriage, StatusDismissed, StatusEscalated, StatusClosed},
	StatusTriage:    {StatusDismissed, StatusEscalated, StatusClosed},
	StatusEscalated: {StatusClosed},
}

var actions = map[string]Status{
	"triage":    StatusTriage,
	"dismiss":   StatusDismissed,
	"dismissed": StatusDismissed,
	"escalate":  StatusEscalated,
	"escalated": StatusEscalated,
	"close":     StatusClosed,
	"closed":    StatusClosed,
}

// IllegalTransitionError rejects a decision without touching state.
type IllegalTransitionError struct {
	From   Status
	To     Status
	Action string
	err    error
}

func (e *IllegalTransitionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("illegal transition: %v %q", e.err, e.Action)
	}
	return fmt.Sprintf("illegal transition: %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return e.err }

// CanTransition reports whether from -> to is allowed by the table.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Next resolves a decision action against the current status and returns the
// target status, or an *IllegalTransitionError.
func Next(from Status, action string) (Status, error) {
	to, ok := actions[strings.ToLower(strings.TrimSpace(action))]
	if !ok {
		return "", &IllegalTransitionError{From: from, Action: action, err: ErrUnknownAction}
	}
	if !CanTransition(from, to) {
		return "", &IllegalTransitionError{From: from, To: to, Action: action}
	}
	return to, nil
}
