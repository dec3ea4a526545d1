package device

import "errors"

// Sentinel errors returned by session operations and delivered through
// completion callbacks. They are always wrapped with context; match them
// with errors.Is.
var (
	// ErrInit means the native subsystem could not be initialised.
	ErrInit = errors.New("sensor subsystem init failed")

	// ErrOpen means the device at the requested index could not be opened.
	ErrOpen = errors.New("device open failed")

	// ErrAlreadyStarted is returned when starting a stream that is running.
	ErrAlreadyStarted = errors.New("stream already started")

	// ErrMode means the requested resolution/format combination is not
	// supported or could not be programmed.
	ErrMode = errors.New("invalid frame mode")

	// ErrBuffer means the frame buffer could not be armed.
	ErrBuffer = errors.New("frame buffer setup failed")

	// ErrStart and ErrStop report native stream control failures.
	ErrStart = errors.New("stream start failed")
	ErrStop  = errors.New("stream stop failed")

	// ErrPending is delivered to a SetTilt/SetLed request issued while a
	// previous one is still outstanding. The outstanding operation is not
	// affected.
	ErrPending = errors.New("operation pending")

	// ErrCommandFailed reports a failed tilt or LED write on the device.
	ErrCommandFailed = errors.New("device command failed")

	// ErrStateRefresh reports a failed motor/accelerometer state poll.
	ErrStateRefresh = errors.New("state refresh failed")

	// ErrCancelled is delivered to pending operations that were cancelled
	// explicitly or resolved during session close.
	ErrCancelled = errors.New("operation cancelled")
)
