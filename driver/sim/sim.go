// Package sim is an in-process implementation of the driver contract. It
// synthesises depth and video frames, models the tilt motor's travel time
// and derives accelerometer readings from the simulated orientation, which
// makes it usable both for development without hardware and as the backend
// in tests. Failure injection covers every native call the session makes.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"kinectic.net/gokinect/driver"
)

const gravity = 9.80665

// Config tunes the simulated sensor.
type Config struct {
	// Devices is how many device indices OpenDevice accepts. Zero means 1.
	Devices int

	// FrameInterval is the synthetic frame period for both streams. Zero
	// means 33ms, roughly 30fps.
	FrameInterval time.Duration

	// MotorTravelRefreshes is how many state refreshes the motor reports
	// "moving" after a tilt command. Zero means 3.
	MotorTravelRefreshes int

	// SmoothingWindow is the size of the accelerometer moving-average
	// window. Zero means 8.
	SmoothingWindow int

	// Failure injection. FailRearms makes that many SetDepthBuffer /
	// SetVideoBuffer calls fail before succeeding again.
	FailInit        bool
	FailOpen        bool
	FailSetTilt     bool
	FailSetLed      bool
	FailUpdateState bool
	FailRearms      int
}

func (c Config) withDefaults() Config {
	if c.Devices <= 0 {
		c.Devices = 1
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 33 * time.Millisecond
	}
	if c.MotorTravelRefreshes <= 0 {
		c.MotorTravelRefreshes = 3
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = 8
	}
	return c
}

// Backend returns a driver-context factory for device.Options.
func Backend(cfg Config) func() (driver.Context, error) {
	return func() (driver.Context, error) {
		return NewContext(cfg)
	}
}

// Context implements driver.Context.
type Context struct {
	cfg Config

	mu       sync.Mutex
	subs     driver.Subdevices
	devices  map[int]*Device
	shutdown bool
}

// NewContext initialises the simulated subsystem.
func NewContext(cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()
	if cfg.FailInit {
		return nil, errors.New("sim: init failure injected")
	}
	return &Context{
		cfg:     cfg,
		subs:    driver.DefaultSubdevices,
		devices: make(map[int]*Device),
	}, nil
}

func (c *Context) SelectSubdevices(subs driver.Subdevices) {
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

func (c *Context) OpenDevice(index int) (driver.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, errors.New("sim: context is shut down")
	}
	if c.cfg.FailOpen {
		return nil, errors.New("sim: open failure injected")
	}
	if index < 0 || index >= c.cfg.Devices {
		return nil, fmt.Errorf("sim: no device at index %d", index)
	}
	if _, ok := c.devices[index]; ok {
		return nil, fmt.Errorf("sim: device %d already open", index)
	}

	d := newDevice(c, index)
	c.devices[index] = d
	return d, nil
}

// ProcessEvents delivers due frames for every started stream of every open
// device, invoking the frame callbacks on the calling goroutine. When
// nothing is due it sleeps until the next frame or the timeout, whichever
// comes first.
func (c *Context) ProcessEvents(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return errors.New("sim: context is shut down")
		}
		devices := make([]*Device, 0, len(c.devices))
		for _, d := range c.devices {
			devices = append(devices, d)
		}
		c.mu.Unlock()

		delivered := false
		next := deadline
		for _, d := range devices {
			due, wake := d.deliverDueFrames()
			delivered = delivered || due
			if !wake.IsZero() && wake.Before(next) {
				next = wake
			}
		}
		if delivered {
			return nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			return nil
		}
		sleep := next.Sub(now)
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (c *Context) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errors.New("sim: context already shut down")
	}
	c.shutdown = true
	c.devices = nil
	return nil
}

func (c *Context) closeDevice(index int) {
	c.mu.Lock()
	if c.devices != nil {
		delete(c.devices, index)
	}
	c.mu.Unlock()
}

// Device implements driver.Device for one simulated sensor.
type Device struct {
	ctx   *Context
	index int

	mu sync.Mutex

	depthCB driver.FrameCallback
	videoCB driver.FrameCallback

	depth simStream
	video simStream

	led        driver.Led
	tiltAngle  float64 // current physical angle
	tiltTarget float64
	moving     int // state refreshes left until the move completes

	accelWindow deque.Deque[[3]float64]

	rearmFailsLeft int
	closed         bool
}

type simStream struct {
	mode    driver.FrameMode
	hasMode bool
	buf     []byte
	started bool
	nextDue time.Time
	seq     uint32
}

func newDevice(c *Context, index int) *Device {
	return &Device{
		ctx:            c,
		index:          index,
		rearmFailsLeft: c.cfg.FailRearms,
	}
}

func (d *Device) SetDepthCallback(cb driver.FrameCallback) {
	d.mu.Lock()
	d.depthCB = cb
	d.mu.Unlock()
}

func (d *Device) SetVideoCallback(cb driver.FrameCallback) {
	d.mu.Lock()
	d.videoCB = cb
	d.mu.Unlock()
}

func (d *Device) SetDepthMode(mode driver.FrameMode) error {
	return d.setMode(&d.depth, mode)
}

func (d *Device) SetVideoMode(mode driver.FrameMode) error {
	return d.setMode(&d.video, mode)
}

func (d *Device) setMode(s *simStream, mode driver.FrameMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.started {
		return errors.New("sim: cannot change mode on a running stream")
	}
	if mode.Bytes <= 0 {
		return errors.New("sim: invalid frame mode")
	}
	s.mode = mode
	s.hasMode = true
	return nil
}

func (d *Device) SetDepthBuffer(buf []byte) error {
	return d.setBuffer(&d.depth, buf)
}

func (d *Device) SetVideoBuffer(buf []byte) error {
	return d.setBuffer(&d.video, buf)
}

func (d *Device) setBuffer(s *simStream, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rearmFailsLeft > 0 {
		d.rearmFailsLeft--
		return errors.New("sim: buffer failure injected")
	}
	if !s.hasMode {
		return errors.New("sim: mode must be set before the buffer")
	}
	if len(buf) < s.mode.Bytes {
		return fmt.Errorf("sim: buffer too small: %d < %d", len(buf), s.mode.Bytes)
	}
	s.buf = buf
	return nil
}

func (d *Device) StartDepth() error { return d.start(&d.depth) }
func (d *Device) StopDepth() error  { return d.stop(&d.depth) }
func (d *Device) StartVideo() error { return d.start(&d.video) }
func (d *Device) StopVideo() error  { return d.stop(&d.video) }

func (d *Device) start(s *simStream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !s.hasMode {
		return errors.New("sim: mode must be set before start")
	}
	if s.started {
		return errors.New("sim: stream already started")
	}
	s.started = true
	s.nextDue = time.Now().Add(d.ctx.cfg.FrameInterval)
	return nil
}

func (d *Device) stop(s *simStream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !s.started {
		return errors.New("sim: stream not started")
	}
	s.started = false
	return nil
}

func (d *Device) SetTiltDegs(angle float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.cfg.FailSetTilt {
		return errors.New("sim: tilt failure injected")
	}
	d.tiltTarget = math.Max(driver.TiltAngleMin, math.Min(driver.TiltAngleMax, angle))
	d.moving = d.ctx.cfg.MotorTravelRefreshes
	return nil
}

func (d *Device) SetLed(led driver.Led) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.cfg.FailSetLed {
		return errors.New("sim: led failure injected")
	}
	d.led = led
	return nil
}

// UpdateTiltState advances the simulated motor by one refresh and returns
// the smoothed snapshot. The accelerometer follows the physical angle with
// a moving average over the configured window, the way a real sensor's
// noisy samples would be filtered.
func (d *Device) UpdateTiltState() (driver.TiltState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.cfg.FailUpdateState {
		return driver.TiltState{}, errors.New("sim: state refresh failure injected")
	}

	status := driver.TiltStatusStopped
	if d.moving > 0 {
		status = driver.TiltStatusMoving
		step := (d.tiltTarget - d.tiltAngle) / float64(d.moving)
		d.tiltAngle += step
		d.moving--
		if d.moving == 0 {
			d.tiltAngle = d.tiltTarget
		}
	}

	rad := d.tiltAngle * math.Pi / 180
	sample := [3]float64{0, gravity * math.Sin(rad), gravity * math.Cos(rad)}

	d.accelWindow.PushBack(sample)
	if d.accelWindow.Len() > d.ctx.cfg.SmoothingWindow {
		d.accelWindow.PopFront()
	}
	var sum [3]float64
	for i := 0; i < d.accelWindow.Len(); i++ {
		v := d.accelWindow.At(i)
		sum[0] += v[0]
		sum[1] += v[1]
		sum[2] += v[2]
	}
	n := float64(d.accelWindow.Len())

	return driver.TiltState{
		Status: status,
		Angle:  d.tiltAngle,
		AccelX: sum[0] / n,
		AccelY: sum[1] / n,
		AccelZ: sum[2] / n,
	}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("sim: device already closed")
	}
	d.closed = true
	d.mu.Unlock()

	d.ctx.closeDevice(d.index)
	return nil
}

// deliverDueFrames fires the callbacks of every stream whose frame is due,
// filling the armed buffer with a synthetic frame first. It returns whether
// anything was delivered and when the next frame of this device is due.
func (d *Device) deliverDueFrames() (bool, time.Time) {
	now := time.Now()
	delivered := false
	var next time.Time

	type firing struct {
		cb  driver.FrameCallback
		seq uint32
	}
	var fire []firing

	d.mu.Lock()
	for _, s := range []*simStream{&d.depth, &d.video} {
		cb := d.depthCB
		if s == &d.video {
			cb = d.videoCB
		}
		if !s.started || cb == nil {
			continue
		}
		if !now.Before(s.nextDue) {
			s.seq++
			if s.buf != nil {
				fillFrame(s.buf[:s.mode.Bytes], s.seq)
			}
			s.nextDue = now.Add(d.ctx.cfg.FrameInterval)
			fire = append(fire, firing{cb: cb, seq: s.seq})
			delivered = true
		}
		if next.IsZero() || s.nextDue.Before(next) {
			next = s.nextDue
		}
	}
	d.mu.Unlock()

	for _, f := range fire {
		f.cb(nil, f.seq)
	}
	return delivered, next
}

// fillFrame writes a recognisable synthetic pattern: the sequence number in
// the first four bytes, then a byte ramp. Tests use the header to tell
// frames apart.
func fillFrame(buf []byte, seq uint32) {
	binary.LittleEndian.PutUint32(buf, seq)
	for i := 4; i < len(buf); i++ {
		buf[i] = byte(i + int(seq))
	}
}
