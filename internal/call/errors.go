package call

import "errors"

// Errors returned by [Session] operations or surfaced through [Event]s.
var (
	// ErrNotSupported means no microphone is available on this runtime.
	ErrNotSupported = errors.New("call: audio capture not supported")

	// ErrUnauthenticated means no valid session token is available.
	ErrUnauthenticated = errors.New("call: unauthenticated")

	// ErrMicrophoneDenied means the microphone could not be acquired.
	ErrMicrophoneDenied = errors.New("call: microphone access denied")

	// ErrTransportConnect means the backend handshake failed after all retries.
	ErrTransportConnect = errors.New("call: transport connect failed")

	// ErrTransportSend means a single send to the backend failed.
	ErrTransportSend = errors.New("call: transport send failed")

	// ErrTransportNotReady means an operation needs a started call.
	ErrTransportNotReady = errors.New("call: transport not ready")

	// ErrBackend wraps an error event reported by the backend.
	ErrBackend = errors.New("call: backend error")

	// ErrRepeatedFailures is surfaced once when consecutive failures reach
	// the error threshold.
	ErrRepeatedFailures = errors.New("call: repeated failures")

	// ErrInactivityTimeout ends a call that saw no messages for too long.
	ErrInactivityTimeout = errors.New("call: inactivity timeout")

	// ErrTurnTimeout means the backend did not answer a turn in time.
	ErrTurnTimeout = errors.New("call: turn timeout")
)
