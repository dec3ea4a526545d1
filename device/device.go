// Package device implements the session for one Kinect-class sensor: the
// frame pump feeding depth/video notifications, the command dispatcher
// serialising motor and LED writes, and the pending-operation bookkeeping
// that delivers every asynchronous result exactly once on the consumer's
// event loop.
//
// Two locks partition the shared state: streamMu guards the frame buffers,
// got-frame flags and scheduled notification ids; cmdMu guards the queued
// command values, the motor-moving flag and the pending operations. No code
// path holds both at once. The native driver is touched from the pump
// goroutine (ProcessEvents) and, behind nativeMu, from the dispatcher, the
// stream start/stop path and the synchronous getters; nativeMu keeps those
// callers from ever overlapping.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kinectic.net/gokinect/driver"
	"kinectic.net/gokinect/eventloop"
)

const (
	defaultDispatchIdleDelay    = 2 * time.Millisecond
	defaultProcessEventsTimeout = 100 * time.Millisecond

	// The motor ignores moves of a degree or less, so such requests
	// complete immediately instead of waiting forever on the dispatcher.
	tiltThresholdDegs = 1.0

	// Scratch buffer for the derived-format accessors, sized for the
	// largest supported RGB frame.
	scratchSize = 1280 * 1024 * 3
)

// Options configures Open.
type Options struct {
	// Backend creates the native driver context, e.g. sim.Backend(cfg).
	Backend func() (driver.Context, error)

	// Index is the device position on the USB bus.
	Index int

	// Subdevices to claim; zero means driver.DefaultSubdevices.
	Subdevices driver.Subdevices

	// Loop receives all frame notifications and completion callbacks.
	Loop *eventloop.Loop

	// DispatchIdleDelay is how long the command dispatcher sleeps between
	// iterations that found nothing to do. Zero means a small default.
	DispatchIdleDelay time.Duration

	// ProcessEventsTimeout bounds one blocking ProcessEvents call of the
	// frame pump. Zero means a small default.
	ProcessEventsTimeout time.Duration
}

// Device is one open sensor session. All methods are safe for use from the
// consumer's goroutine; completion callbacks and frame notifications are
// always delivered through the event loop passed at Open.
type Device struct {
	index      int
	subdevices driver.Subdevices
	loop       *eventloop.Loop

	idleDelay     time.Duration
	eventsTimeout time.Duration

	backend driver.Context
	dev     driver.Device

	// nativeMu serialises every driver call made outside the pump's
	// ProcessEvents callbacks; the driver contract allows only one such
	// caller at a time.
	nativeMu sync.Mutex

	// stream path, guarded by streamMu
	streamMu    sync.Mutex
	depth       stream
	video       stream
	pumpRunning bool
	pumpStop    *atomic.Bool
	pumpDone    chan struct{}
	pumpWG      sync.WaitGroup

	// command path, guarded by cmdMu
	cmdMu           sync.Mutex
	tiltAngle       float64
	led             driver.Led
	updateTilt      bool
	updateLed       bool
	motorMoving     bool
	pendTilt        *cmdOp
	pendLed         *cmdOp
	queries         []*stateQuery
	dispatchRunning bool

	dispatchStop atomic.Bool
	dispatchWG   sync.WaitGroup

	scratch []byte

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open initialises the native subsystem, claims the requested subdevices
// and opens the device at opts.Index. ctx only covers the open itself and
// is checked between the two native calls.
func Open(ctx context.Context, opts Options) (*Device, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: no driver backend given", ErrInit)
	}
	if opts.Loop == nil {
		return nil, fmt.Errorf("%w: no event loop given", ErrInit)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	subs := opts.Subdevices
	if subs == 0 {
		subs = driver.DefaultSubdevices
	}

	backend, err := opts.Backend()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}
	if err := ctx.Err(); err != nil {
		shutdownQuiet(backend)
		return nil, fmt.Errorf("open device: %w", ErrCancelled)
	}

	backend.SelectSubdevices(subs)

	dev, err := backend.OpenDevice(opts.Index)
	if err != nil {
		shutdownQuiet(backend)
		return nil, fmt.Errorf("%w: index %d: %v", ErrOpen, opts.Index, err)
	}
	if err := ctx.Err(); err != nil {
		if cerr := dev.Close(); cerr != nil {
			slog.Warn("failed to close device", "error", cerr)
		}
		shutdownQuiet(backend)
		return nil, fmt.Errorf("open device: %w", ErrCancelled)
	}

	d := &Device{
		index:         opts.Index,
		subdevices:    subs,
		loop:          opts.Loop,
		idleDelay:     opts.DispatchIdleDelay,
		eventsTimeout: opts.ProcessEventsTimeout,
		backend:       backend,
		dev:           dev,
		scratch:       make([]byte, scratchSize),
	}
	if d.idleDelay <= 0 {
		d.idleDelay = defaultDispatchIdleDelay
	}
	if d.eventsTimeout <= 0 {
		d.eventsTimeout = defaultProcessEventsTimeout
	}
	d.depth.name = "depth"
	d.video.name = "video"

	dev.SetDepthCallback(d.onDepthFrame)
	dev.SetVideoCallback(d.onVideoFrame)

	if subs.Has(driver.SubdeviceMotor) {
		if st, err := dev.UpdateTiltState(); err != nil {
			slog.Warn("could not read initial tilt angle", "error", err)
		} else {
			d.tiltAngle = st.Angle
		}
	}

	return d, nil
}

// OpenAsync performs Open on a worker goroutine and invokes done exactly
// once on the event loop. Without a loop there is nothing to deliver on, so
// that error is reported synchronously on the calling goroutine.
func OpenAsync(ctx context.Context, opts Options, done func(*Device, error)) {
	if opts.Loop == nil {
		done(nil, fmt.Errorf("%w: no event loop given", ErrInit))
		return
	}
	go func() {
		d, err := Open(ctx, opts)
		opts.Loop.Post(func() { done(d, err) })
	}()
}

// Index returns the device bus index the session was opened with.
func (d *Device) Index() int { return d.index }

// Subdevices returns the subdevice mask the session was opened with.
func (d *Device) Subdevices() driver.Subdevices { return d.subdevices }

// TiltAngle returns the last known tilt angle target.
func (d *Device) TiltAngle() float64 {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.tiltAngle
}

// Led returns the last LED value set on the session.
func (d *Device) Led() driver.Led {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.led
}

// StartDepthStream programs the depth camera for the given format at medium
// resolution, allocates fresh frame buffers and starts capture. The frame
// pump is launched lazily on the first stream start.
func (d *Device) StartDepthStream(format driver.DepthFormat) error {
	mode, ok := driver.FindDepthMode(driver.ResolutionMedium, format)
	if !ok {
		return fmt.Errorf("%w: unsupported depth format %d", ErrMode, format)
	}

	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()

	if d.closed.Load() {
		return fmt.Errorf("depth stream: %w", ErrCancelled)
	}
	if d.depth.started {
		return fmt.Errorf("depth stream: %w", ErrAlreadyStarted)
	}

	if err := d.dev.SetDepthMode(mode); err != nil {
		return fmt.Errorf("%w: %v", ErrMode, err)
	}
	d.depth.allocate(mode)
	if err := d.dev.SetDepthBuffer(d.depth.armed); err != nil {
		return fmt.Errorf("%w: %v", ErrBuffer, err)
	}

	// The pump must be running before capture starts; a draining
	// predecessor is handed off to, never joined here.
	d.startPumpLocked()

	if err := d.dev.StartDepth(); err != nil {
		d.stopPumpIfIdleLocked()
		return fmt.Errorf("%w: %v", ErrStart, err)
	}

	d.depth.started = true
	d.depth.gotFrame = false
	return nil
}

// StopDepthStream stops depth capture. When no stream remains active the
// frame pump is signalled to stop; it is joined at Close, not here.
func (d *Device) StopDepthStream() error {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()

	if !d.depth.started {
		return nil
	}
	if err := d.dev.StopDepth(); err != nil {
		return fmt.Errorf("%w: %v", ErrStop, err)
	}
	d.depth.started = false
	d.stopPumpIfIdleLocked()
	return nil
}

// StartVideoStream programs the video camera for the given resolution and
// format, allocates fresh frame buffers and starts capture.
func (d *Device) StartVideoStream(res driver.Resolution, format driver.VideoFormat) error {
	mode, ok := driver.FindVideoMode(res, format)
	if !ok {
		return fmt.Errorf("%w: unsupported video mode %d/%d", ErrMode, res, format)
	}

	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()

	if d.closed.Load() {
		return fmt.Errorf("video stream: %w", ErrCancelled)
	}
	if d.video.started {
		return fmt.Errorf("video stream: %w", ErrAlreadyStarted)
	}

	if err := d.dev.SetVideoMode(mode); err != nil {
		return fmt.Errorf("%w: %v", ErrMode, err)
	}
	d.video.allocate(mode)
	if err := d.dev.SetVideoBuffer(d.video.armed); err != nil {
		return fmt.Errorf("%w: %v", ErrBuffer, err)
	}

	d.startPumpLocked()

	if err := d.dev.StartVideo(); err != nil {
		d.stopPumpIfIdleLocked()
		return fmt.Errorf("%w: %v", ErrStart, err)
	}

	d.video.started = true
	d.video.gotFrame = false
	return nil
}

// StopVideoStream stops video capture, signalling the pump when it was the
// last active stream.
func (d *Device) StopVideoStream() error {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()

	if !d.video.started {
		return nil
	}
	if err := d.dev.StopVideo(); err != nil {
		return fmt.Errorf("%w: %v", ErrStop, err)
	}
	d.video.started = false
	d.stopPumpIfIdleLocked()
	return nil
}

// SetDepthFrameHandler registers the single listener invoked on the event
// loop whenever a new depth frame is ready. Must be set before the frames
// it should observe arrive.
func (d *Device) SetDepthFrameHandler(fn func()) {
	d.streamMu.Lock()
	d.depth.handler = fn
	d.streamMu.Unlock()
}

// SetVideoFrameHandler registers the single listener for video frames.
func (d *Device) SetVideoFrameHandler(fn func()) {
	d.streamMu.Lock()
	d.video.handler = fn
	d.streamMu.Unlock()
}

// TiltAngleSync performs one blocking state refresh on the calling
// goroutine and returns the measured tilt angle. It bypasses the dispatcher
// and the pending-operation bookkeeping entirely.
func (d *Device) TiltAngleSync(ctx context.Context) (float64, error) {
	st, err := d.refreshStateSync(ctx)
	if err != nil {
		return 0, err
	}
	return st.Angle, nil
}

// AccelSync performs one blocking state refresh on the calling goroutine
// and returns the accelerometer vector in m/s^2.
func (d *Device) AccelSync(ctx context.Context) (x, y, z float64, err error) {
	st, err := d.refreshStateSync(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return st.AccelX, st.AccelY, st.AccelZ, nil
}

func (d *Device) refreshStateSync(ctx context.Context) (driver.TiltState, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return driver.TiltState{}, fmt.Errorf("refresh state: %w", ErrCancelled)
		}
	}
	if d.closed.Load() {
		return driver.TiltState{}, fmt.Errorf("refresh state: %w", ErrCancelled)
	}

	// nativeMu keeps the refresh from interleaving with dispatcher calls.
	d.nativeMu.Lock()
	st, err := d.dev.UpdateTiltState()
	d.nativeMu.Unlock()
	if err != nil {
		return driver.TiltState{}, fmt.Errorf("%w: %v", ErrStateRefresh, err)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return driver.TiltState{}, fmt.Errorf("refresh state: %w", ErrCancelled)
		}
	}
	return st, nil
}

// Close tears the session down: (1) stop and join the frame pump with all
// scheduled frame notifications detached, (2) stop and join the command
// dispatcher, (3) resolve every pending operation with ErrCancelled,
// (4) close the native device and context, (5) release the buffers.
// Close is idempotent; teardown failures are logged, never escalated.
func (d *Device) Close() {
	d.closeOnce.Do(d.doClose)
}

func (d *Device) doClose() {
	d.closed.Store(true)

	d.streamMu.Lock()
	if d.pumpRunning {
		d.pumpStop.Store(true)
		d.pumpRunning = false
	}
	if d.depth.srcID != 0 {
		d.loop.Remove(d.depth.srcID)
		d.depth.srcID = 0
	}
	if d.video.srcID != 0 {
		d.loop.Remove(d.video.srcID)
		d.video.srcID = 0
	}
	depthStarted := d.depth.started
	videoStarted := d.video.started
	d.depth.started = false
	d.video.started = false
	d.streamMu.Unlock()

	d.pumpWG.Wait()

	d.nativeMu.Lock()
	if depthStarted {
		if err := d.dev.StopDepth(); err != nil {
			slog.Warn("failed to stop depth stream on close", "error", err)
		}
	}
	if videoStarted {
		if err := d.dev.StopVideo(); err != nil {
			slog.Warn("failed to stop video stream on close", "error", err)
		}
	}
	d.nativeMu.Unlock()

	d.dispatchStop.Store(true)
	d.dispatchWG.Wait()

	d.cmdMu.Lock()
	tilt := d.pendTilt
	led := d.pendLed
	queries := d.queries
	d.pendTilt = nil
	d.pendLed = nil
	d.queries = nil
	d.cmdMu.Unlock()

	cancelErr := fmt.Errorf("session closed: %w", ErrCancelled)
	if tilt != nil {
		tilt.finish(d, cancelErr)
	}
	if led != nil {
		led.finish(d, cancelErr)
	}
	for _, q := range queries {
		q.finish(d, driver.TiltState{}, cancelErr)
	}

	d.nativeMu.Lock()
	if err := d.dev.Close(); err != nil {
		slog.Warn("failed to close device", "error", err)
	}
	if err := d.backend.Shutdown(); err != nil {
		slog.Warn("failed to shut down sensor context", "error", err)
	}
	d.nativeMu.Unlock()

	d.streamMu.Lock()
	d.depth.release()
	d.video.release()
	d.scratch = nil
	d.streamMu.Unlock()
}

func shutdownQuiet(backend driver.Context) {
	if err := backend.Shutdown(); err != nil {
		slog.Warn("failed to shut down sensor context", "error", err)
	}
}
