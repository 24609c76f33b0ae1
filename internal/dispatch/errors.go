package dispatch

import "errors"

var (
	// ErrBusy rejects a resetting enqueue while a session is running.
	ErrBusy = errors.New("dispatch: queue is already running")

	ErrNoRecipients = errors.New("dispatch: no recipients")
	ErrEmptyPayload = errors.New("dispatch: empty payload")
	ErrClosed       = errors.New("dispatch: scheduler closed")
)
