package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrEmptyIdentity    = errors.New("identity must not be empty")
	ErrInvalidIdentity  = errors.New("identity contains invalid characters")
	ErrSelfConversation = errors.New("cannot open a conversation with yourself")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrNoActiveRoom     = errors.New("no active room")
	ErrNotConnected     = errors.New("not connected")
	// ErrSuperseded is returned by a room activation that lost to a newer one.
	ErrSuperseded = errors.New("room activation superseded")
)

// ConnectionError is returned when the messaging server stays unreachable
// after the reconnection policy is exhausted.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError reports a failed room or history load. Local state is left unchanged.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a message that was not delivered. Text holds the
// original input so it can be resubmitted.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
