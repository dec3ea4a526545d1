// Package driver defines the contract between the device session and the
// native Kinect access layer. Implementations wrap the real USB driver or,
// for development and tests, a fully simulated sensor (see driver/sim).
//
// The contract mirrors the blocking/callback-driven shape of the native
// library: device-mutating calls block until the hardware acknowledges them,
// and frame callbacks are invoked from within ProcessEvents on the calling
// goroutine. Implementations are not required to be reentrant; callers must
// ensure that ProcessEvents runs on one goroutine and all other device calls
// on another.
package driver

import "time"

// Subdevices selects which hardware units to claim when opening a device.
type Subdevices uint

const (
	SubdeviceMotor Subdevices = 1 << iota
	SubdeviceCamera
	SubdeviceAudio
)

// DefaultSubdevices claims the camera and the tilt motor, matching the
// most common use of the sensor.
const DefaultSubdevices = SubdeviceCamera | SubdeviceMotor

func (s Subdevices) Has(sub Subdevices) bool {
	return s&sub != 0
}

// Led enumerates the states of the status LED on the sensor base.
type Led uint

const (
	LedOff Led = iota
	LedGreen
	LedRed
	LedYellow
	LedBlinkGreen
	_
	LedBlinkRedYellow
)

// TiltStatus reports what the tilt motor is currently doing.
type TiltStatus byte

const (
	TiltStatusStopped TiltStatus = 0x00
	TiltStatusAtLimit TiltStatus = 0x01
	TiltStatusMoving  TiltStatus = 0x04
)

// Tilt angles outside this range are clamped by the hardware.
const (
	TiltAngleMin = -31.0
	TiltAngleMax = 31.0
)

// TiltState is one point-in-time snapshot of the motor and accelerometer,
// produced by Device.UpdateTiltState. Angle is in degrees relative to the
// horizon, the accelerometer values are in m/s^2.
type TiltState struct {
	Status TiltStatus
	Angle  float64
	AccelX float64
	AccelY float64
	AccelZ float64
}

// FrameCallback is invoked from within Context.ProcessEvents, on the
// goroutine that called it, each time a complete frame has been written into
// the currently armed buffer. The slice is the armed buffer itself; the
// receiver must swap or re-arm buffers before the next frame arrives.
type FrameCallback func(frame []byte, timestamp uint32)

// Context owns the native subsystem and the USB event machinery.
type Context interface {
	// SelectSubdevices restricts which units OpenDevice will claim.
	// Must be called before OpenDevice.
	SelectSubdevices(subs Subdevices)

	// OpenDevice opens the device at the given bus index.
	OpenDevice(index int) (Device, error)

	// ProcessEvents services the native event machinery, blocking until an
	// event was handled or the timeout elapsed. Frame callbacks fire from
	// inside this call.
	ProcessEvents(timeout time.Duration) error

	// Shutdown releases the native subsystem. No calls on the context or
	// on devices opened through it are valid afterwards.
	Shutdown() error
}

// Device is one opened sensor.
type Device interface {
	SetDepthCallback(cb FrameCallback)
	SetVideoCallback(cb FrameCallback)

	// SetDepthMode and SetVideoMode program the stream geometry. The mode
	// must be set before the stream is started.
	SetDepthMode(mode FrameMode) error
	SetVideoMode(mode FrameMode) error

	// SetDepthBuffer and SetVideoBuffer arm the buffer the next frame will
	// be written into. The buffer must hold at least mode.Bytes bytes.
	SetDepthBuffer(buf []byte) error
	SetVideoBuffer(buf []byte) error

	StartDepth() error
	StopDepth() error
	StartVideo() error
	StopVideo() error

	// SetTiltDegs starts moving the motor towards the given angle. It only
	// issues the command; completion is observed through UpdateTiltState.
	SetTiltDegs(angle float64) error

	// SetLed changes the status LED.
	SetLed(led Led) error

	// UpdateTiltState performs one blocking state refresh and returns the
	// resulting snapshot.
	UpdateTiltState() (TiltState, error)

	// Close releases the device. Streams should be stopped first.
	Close() error
}
