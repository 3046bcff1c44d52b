package session

import "errors"

// Sentinel errors for the session lifecycle. Transport failures during an
// established call are never returned to callers directly — they surface as
// state transitions, LastDisconnectReason, and log entries, because the
// channel is inherently asynchronous. These sentinels cover the synchronous
// entry points and terminal reasons.
var (
	// ErrNotDisconnected is returned by Connect when the session is not in
	// the disconnected state.
	ErrNotDisconnected = errors.New("session: connect is only valid from the disconnected state")

	// ErrConnectionTimeout indicates the channel did not reach the connected
	// state within the establishment timeout.
	ErrConnectionTimeout = errors.New("session: connection establishment timed out")

	// ErrMaxReconnectExceeded indicates automatic reconnection gave up after
	// the configured number of attempts. The session stays disconnected until
	// an explicit ManualReconnect.
	ErrMaxReconnectExceeded = errors.New("session: reconnect attempts exhausted")
)
