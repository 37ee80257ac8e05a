// ABOUTME: Sentinel errors returned by the conversation service
// ABOUTME: Callers branch with errors.Is; the HTTP layer maps them to status codes

package conversation

import "errors"

var (
	// ErrInvalidInput is returned for malformed initialization requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned for unknown conversation ids.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidConversation is returned when a turn is requested on a
	// missing or stopped conversation.
	ErrInvalidConversation = errors.New("conversation not found or inactive")

	// ErrTurnInProgress is returned when a turn is requested while another
	// turn is generating or scheduled.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrTurnLimitReached is returned once a conversation has used all of
	// its turns.
	ErrTurnLimitReached = errors.New("turn limit reached")

	// ErrStaleSignal is returned for turn signals that do not match the
	// side the conversation expects, or that repeat a recent signal.
	ErrStaleSignal = errors.New("stale turn signal")

	// ErrClosed is returned after the service has been closed.
	ErrClosed = errors.New("conversation service closed")
)
