package ledger

import "errors"

var (
	// ErrConversationNotFound is returned when a conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrRequestNotFound is returned when a request does not exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrTurnNotFound is returned when a turn does not exist.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrDispatcherDisabled is returned when an operation needs the task dispatcher.
	ErrDispatcherDisabled = errors.New("task dispatcher disabled")
)
