package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kinectic.net/gokinect/driver"
	"kinectic.net/gokinect/eventloop"
)

// mockContext scripts the native layer. Frames are fired from inside
// ProcessEvents on the pump goroutine, the way the real driver delivers
// them.
type mockContext struct {
	mu        sync.Mutex
	selected  driver.Subdevices
	initErr   error
	openErr   error
	shutdowns int

	dev    *mockDevice
	events chan func()
}

func newMockContext() *mockContext {
	return &mockContext{
		dev:    &mockDevice{},
		events: make(chan func(), 16),
	}
}

func (m *mockContext) SelectSubdevices(subs driver.Subdevices) {
	m.mu.Lock()
	m.selected = subs
	m.mu.Unlock()
}

func (m *mockContext) OpenDevice(index int) (driver.Device, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.dev, nil
}

func (m *mockContext) ProcessEvents(timeout time.Duration) error {
	select {
	case fn := <-m.events:
		if fn != nil {
			fn()
		}
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (m *mockContext) Shutdown() error {
	m.mu.Lock()
	m.shutdowns++
	m.mu.Unlock()
	return nil
}

func (m *mockContext) shutdownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns
}

// fireDepthFrame runs the depth callback on the pump goroutine and waits
// until it was executed.
func (m *mockContext) fireDepthFrame(t *testing.T, ts uint32) {
	t.Helper()
	done := make(chan struct{})
	m.events <- func() {
		m.dev.mu.Lock()
		cb := m.dev.depthCB
		m.dev.mu.Unlock()
		cb(nil, ts)
		close(done)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("depth frame was not processed by the pump")
	}
}

type mockDevice struct {
	mu sync.Mutex

	depthCB driver.FrameCallback
	videoCB driver.FrameCallback

	depthBuf []byte
	videoBuf []byte

	depthStarted bool
	videoStarted bool

	tiltWrites []float64
	ledWrites  []driver.Led

	// states is consumed one snapshot per UpdateTiltState call; when empty
	// the last state repeats.
	states    []driver.TiltState
	lastState driver.TiltState

	setTiltErr    error
	setLedErr     error
	updateErr     error
	startDepthErr error
	depthBufErr   error

	// stateDelay stretches every tracked native call; set before the
	// dispatcher starts.
	stateDelay time.Duration

	nativeCalls atomic.Int32
	overlapped  atomic.Bool

	updates int
	closes  int
}

// enterNative tracks concurrent entries into the motor/LED/state calls; the
// driver contract allows exactly one caller besides ProcessEvents.
func (m *mockDevice) enterNative() func() {
	if m.nativeCalls.Add(1) > 1 {
		m.overlapped.Store(true)
	}
	if m.stateDelay > 0 {
		time.Sleep(m.stateDelay)
	}
	return func() { m.nativeCalls.Add(-1) }
}

func (m *mockDevice) SetDepthCallback(cb driver.FrameCallback) {
	m.mu.Lock()
	m.depthCB = cb
	m.mu.Unlock()
}

func (m *mockDevice) SetVideoCallback(cb driver.FrameCallback) {
	m.mu.Lock()
	m.videoCB = cb
	m.mu.Unlock()
}

func (m *mockDevice) SetDepthMode(mode driver.FrameMode) error { return nil }
func (m *mockDevice) SetVideoMode(mode driver.FrameMode) error { return nil }

func (m *mockDevice) SetDepthBuffer(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depthBufErr != nil {
		return m.depthBufErr
	}
	m.depthBuf = buf
	return nil
}

func (m *mockDevice) SetVideoBuffer(buf []byte) error {
	m.mu.Lock()
	m.videoBuf = buf
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) StartDepth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startDepthErr != nil {
		return m.startDepthErr
	}
	m.depthStarted = true
	return nil
}

func (m *mockDevice) StopDepth() error {
	m.mu.Lock()
	m.depthStarted = false
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) StartVideo() error {
	m.mu.Lock()
	m.videoStarted = true
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) StopVideo() error {
	m.mu.Lock()
	m.videoStarted = false
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) SetTiltDegs(angle float64) error {
	defer m.enterNative()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setTiltErr != nil {
		return m.setTiltErr
	}
	m.tiltWrites = append(m.tiltWrites, angle)
	return nil
}

func (m *mockDevice) SetLed(led driver.Led) error {
	defer m.enterNative()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setLedErr != nil {
		return m.setLedErr
	}
	m.ledWrites = append(m.ledWrites, led)
	return nil
}

func (m *mockDevice) UpdateTiltState() (driver.TiltState, error) {
	defer m.enterNative()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return driver.TiltState{}, m.updateErr
	}
	if len(m.states) > 0 {
		m.lastState = m.states[0]
		m.states = m.states[1:]
	}
	return m.lastState, nil
}

func (m *mockDevice) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

// pushStates appends snapshots for the dispatcher to consume in order.
func (m *mockDevice) pushStates(states ...driver.TiltState) {
	m.mu.Lock()
	m.states = append(m.states, states...)
	m.mu.Unlock()
}

func (m *mockDevice) tiltWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tiltWrites)
}

func (m *mockDevice) ledWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledWrites)
}

func (m *mockDevice) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// newTestDevice opens a session against the mock with short delays.
func newTestDevice(t *testing.T, mctx *mockContext) (*Device, *eventloop.Loop) {
	t.Helper()
	loop := eventloop.New()
	dev, err := Open(nil, Options{
		Backend:              func() (driver.Context, error) { return mctx, nil },
		Loop:                 loop,
		DispatchIdleDelay:    time.Millisecond,
		ProcessEventsTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open failed: %s", err)
	}
	return dev, loop
}

// drainUntil pumps the loop until cond holds or the deadline passes.
func drainUntil(t *testing.T, loop *eventloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loop.DrainPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

var errMock = errors.New("mock failure")
