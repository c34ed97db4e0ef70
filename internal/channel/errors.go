package channel

import "errors"

var (
	// ErrEngineClosed is returned by commands after Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrNoSuchTopic means no channel exists for the topic.
	ErrNoSuchTopic = errors.New("no such topic")
	// ErrChannelResponding rejects operations that must not run while a
	// generation is in flight.
	ErrChannelResponding = errors.New("channel is responding")
	// ErrChannelNotResponding rejects an abort with nothing in flight.
	ErrChannelNotResponding = errors.New("channel is not responding")
	// ErrNotConnected means no transport could be established in time.
	ErrNotConnected = errors.New("not connected")
	// ErrUploadsPending rejects a send while attachments are uploading.
	ErrUploadsPending = errors.New("attachment uploads pending")
	// ErrEmptyMessage rejects a send with no content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrOperationInFlight suppresses a duplicate concurrent activation
	// or reconciliation for the same topic.
	ErrOperationInFlight = errors.New("operation already in flight")
	// ErrNotRetryable means retry was invoked on a message that did not
	// fail.
	ErrNotRetryable = errors.New("message is not in failed state")
)
