package chat

import "errors"

var (
	// ErrNoModelSelected is returned when a session has no bound model.
	ErrNoModelSelected = errors.New("no model selected")

	// ErrAlreadyGenerating is returned when a SendMessage arrives while
	// the session already has a generation in flight. It is rejected
	// synchronously with no persistence side effect; the in-flight
	// generation proceeds unaffected.
	ErrAlreadyGenerating = errors.New("generation already in progress")
)

// CancelledReason is recorded on a message whose generation was
// cancelled by the caller.
const CancelledReason = "cancelled"
