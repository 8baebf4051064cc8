package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")

	// Admission errors. These are returned before the WebSocket upgrade so a
	// structured status code can still be sent in the HTTP response.
	ErrGameFull      = errors.New("game is full")
	ErrNotJoinable   = errors.New("game is not accepting players")
	ErrBadIdentity   = errors.New("malformed identity")
	ErrNameCollision = errors.New("identity already taken")
	ErrBanned        = errors.New("identity is banned")
)

// RuleError is a lifecycle rejection: a structurally valid command sent in
// the wrong state or by the wrong role. It is surfaced to the sender as a
// per-command negative acknowledgement and never mutates state.
type RuleError struct {
	Reason string
}

func (e *RuleError) Error() string { return e.Reason }

// Rulef builds a RuleError with a formatted reason.
func Rulef(format string, args ...any) error {
	return &RuleError{Reason: fmt.Sprintf(format, args...)}
}

// IsRule reports whether err is a lifecycle rejection.
func IsRule(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}
