package device

import (
	"fmt"
	"log/slog"
	"time"

	"kinectic.net/gokinect/driver"
)

// startDispatcherLocked launches the command dispatcher if it is not
// running. cmdMu must be held. The dispatcher runs until the session
// closes; it does not auto-stop on an empty queue.
func (d *Device) startDispatcherLocked() {
	if d.dispatchRunning || d.closed.Load() {
		return
	}
	d.dispatchRunning = true
	d.dispatchWG.Add(1)
	go d.dispatchLoop()
}

// dispatchLoop serialises every hardware-mutating command and state poll on
// one goroutine. Its native calls take nativeMu, like every other non-pump
// caller of the device API. Idle iterations yield for a short configurable
// delay.
func (d *Device) dispatchLoop() {
	defer d.dispatchWG.Done()
	slog.Debug("command dispatcher started")

	for !d.dispatchStop.Load() {
		if !d.dispatchOnce() {
			time.Sleep(d.idleDelay)
		}
	}
	slog.Debug("ending command dispatcher go-routine")
}

// dispatchOnce performs one dispatcher iteration: flush a queued tilt
// write, flush a queued LED write, take one state snapshot when anything
// depends on it, settle the pending set-tilt from the snapshot and complete
// every pending state query from the same snapshot. Returns whether any
// work was found.
func (d *Device) dispatchOnce() bool {
	busy := false

	d.cmdMu.Lock()
	writeTilt := d.updateTilt
	angle := d.tiltAngle
	d.updateTilt = false
	d.cmdMu.Unlock()

	if writeTilt {
		busy = true
		d.nativeMu.Lock()
		err := d.dev.SetTiltDegs(angle)
		d.nativeMu.Unlock()
		if err != nil {
			d.cmdMu.Lock()
			op := d.pendTilt
			d.pendTilt = nil
			d.motorMoving = false
			d.cmdMu.Unlock()

			if op != nil {
				op.finish(d, fmt.Errorf("%w: set tilt: %v", ErrCommandFailed, err))
			} else {
				slog.Warn("failed to set tilt angle", "angle", angle, "error", err)
			}
		}
	}

	d.cmdMu.Lock()
	writeLed := d.updateLed
	led := d.led
	d.updateLed = false
	d.cmdMu.Unlock()

	if writeLed {
		busy = true
		d.nativeMu.Lock()
		err := d.dev.SetLed(led)
		d.nativeMu.Unlock()

		d.cmdMu.Lock()
		op := d.pendLed
		d.pendLed = nil
		d.cmdMu.Unlock()

		switch {
		case op != nil && err != nil:
			op.finish(d, fmt.Errorf("%w: set led: %v", ErrCommandFailed, err))
		case op != nil:
			op.finish(d, nil)
		case err != nil:
			slog.Warn("failed to set led", "led", led, "error", err)
		}
	}

	d.cmdMu.Lock()
	needState := d.pendTilt != nil || len(d.queries) > 0
	d.cmdMu.Unlock()

	if !needState {
		return busy
	}
	busy = true

	// One snapshot serves the pending set-tilt and every pending query.
	d.nativeMu.Lock()
	st, stErr := d.dev.UpdateTiltState()
	d.nativeMu.Unlock()

	d.cmdMu.Lock()
	tiltOp := d.pendTilt
	var tiltErr error
	finishTilt := false
	if tiltOp != nil {
		switch {
		case stErr != nil:
			finishTilt = true
			tiltErr = fmt.Errorf("%w: %v", ErrStateRefresh, stErr)
			d.motorMoving = false
		case st.Status == driver.TiltStatusMoving:
			// The move completes only after the motor has been seen
			// moving at least once; otherwise a stale "stopped" reading
			// would complete it before the hardware reacted.
			d.motorMoving = true
		case d.motorMoving:
			d.motorMoving = false
			finishTilt = true
		}
		if finishTilt {
			d.pendTilt = nil
		}
	}
	queries := d.queries
	d.queries = nil
	d.cmdMu.Unlock()

	if finishTilt {
		tiltOp.finish(d, tiltErr)
	}
	for _, q := range queries {
		if stErr != nil {
			q.finish(d, driver.TiltState{}, fmt.Errorf("%w: %v", ErrStateRefresh, stErr))
		} else {
			q.finish(d, st, nil)
		}
	}
	return busy
}
