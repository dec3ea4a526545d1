package device

import (
	"log/slog"
	"sync/atomic"
	"time"

	"kinectic.net/gokinect/driver"
	"kinectic.net/gokinect/eventloop"
)

// stream holds the per-stream half of the session: three rotating buffers,
// the got-frame flag and the scheduled-notification id. All fields are
// guarded by Device.streamMu.
//
// Buffer roles: armed is owned by the driver and receives the next frame;
// latest holds the newest complete frame; view is what the consumer reads
// during the frame notification. The pump swaps armed/latest on every
// callback, delivery swaps latest/view, so the consumer's view is never
// written while a notification is in flight.
type stream struct {
	name    string
	started bool
	mode    driver.FrameMode

	armed  []byte
	latest []byte
	view   []byte

	gotFrame      bool
	timestamp     uint32
	viewTimestamp uint32
	srcID         eventloop.SourceID
	handler       func()

	rearmFailures int
}

func (s *stream) allocate(mode driver.FrameMode) {
	s.mode = mode
	s.armed = make([]byte, mode.Bytes)
	s.latest = make([]byte, mode.Bytes)
	s.view = make([]byte, mode.Bytes)
	s.rearmFailures = 0
}

func (s *stream) release() {
	s.armed = nil
	s.latest = nil
	s.view = nil
	s.gotFrame = false
}

// startPumpLocked launches the frame pump if it is not running. streamMu
// must be held. A previous pump may still be draining its last
// ProcessEvents call, possibly blocked on streamMu inside a late frame
// callback, so it must not be joined here; the new pump waits for its done
// channel before servicing events, keeping ProcessEvents single-caller.
func (d *Device) startPumpLocked() {
	if d.pumpRunning {
		return
	}

	stop := new(atomic.Bool)
	prev := d.pumpDone
	done := make(chan struct{})
	d.pumpStop = stop
	d.pumpDone = done
	d.pumpRunning = true
	d.pumpWG.Add(1)
	go d.pumpLoop(stop, prev, done)
}

// stopPumpIfIdleLocked signals the pump to stop when no stream is active.
// streamMu must be held. The goroutine is joined at Close; a pump launched
// before then hands off via the done channel instead.
func (d *Device) stopPumpIfIdleLocked() {
	if !d.pumpRunning || d.depth.started || d.video.started {
		return
	}
	d.pumpStop.Store(true)
	d.pumpRunning = false
}

// pumpLoop services the native event machinery until told to stop. The
// stop flag is polled once per iteration; frame callbacks fire on this
// goroutine from inside ProcessEvents.
func (d *Device) pumpLoop(stop *atomic.Bool, prev, done chan struct{}) {
	defer d.pumpWG.Done()
	defer close(done)
	if prev != nil {
		<-prev
	}
	slog.Debug("frame pump started")

	for !stop.Load() {
		if err := d.backend.ProcessEvents(d.eventsTimeout); err != nil {
			slog.Warn("processing sensor events failed", "error", err)
			time.Sleep(d.eventsTimeout)
		}
	}
	slog.Debug("ending frame pump go-routine")
}

func (d *Device) onDepthFrame(_ []byte, timestamp uint32) {
	d.onFrame(&d.depth, d.dev.SetDepthBuffer, timestamp)
}

func (d *Device) onVideoFrame(_ []byte, timestamp uint32) {
	d.onFrame(&d.video, d.dev.SetVideoBuffer, timestamp)
}

// onFrame runs on the pump goroutine for every completed frame. It rotates
// the filled buffer into the latest slot, re-arms the driver and schedules
// one loop notification unless one is already outstanding, which coalesces
// bursts into a single latest-wins delivery.
func (d *Device) onFrame(s *stream, rearm func([]byte) error, timestamp uint32) {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()

	if !s.started {
		return
	}

	s.armed, s.latest = s.latest, s.armed

	// A re-arm failure is not fatal: the driver keeps its previous buffer
	// and the next frame overwrites the latest slot. Nothing the consumer
	// can observe tears; one frame is lost and the re-arm is retried on
	// the next callback.
	if err := rearm(s.armed); err != nil {
		s.rearmFailures++
		slog.Warn("failed to re-arm frame buffer",
			"stream", s.name, "consecutive", s.rearmFailures, "error", err)
	} else if s.rearmFailures > 0 {
		slog.Info("frame buffer re-armed again",
			"stream", s.name, "after_failures", s.rearmFailures)
		s.rearmFailures = 0
	}

	s.gotFrame = true
	s.timestamp = timestamp

	if s.srcID == 0 {
		s.srcID = d.loop.Schedule(func() { d.deliverFrame(s) })
	}
}

// deliverFrame runs on the consumer loop. It clears the scheduled id and
// the got-frame flag, publishes the newest frame as the consumer view and
// invokes the stream's handler exactly once per scheduled notification.
func (d *Device) deliverFrame(s *stream) {
	d.streamMu.Lock()
	s.srcID = 0
	got := s.gotFrame
	s.gotFrame = false
	if got {
		s.latest, s.view = s.view, s.latest
		s.viewTimestamp = s.timestamp
	}
	handler := s.handler
	d.streamMu.Unlock()

	if got && handler != nil {
		handler()
	}
}
