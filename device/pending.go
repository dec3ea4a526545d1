package device

import (
	"context"
	"fmt"
	"math"

	"kinectic.net/gokinect/driver"
)

// cmdOp is one pending SetTilt or SetLed operation. finish may only be
// called after the op has been removed from its registry slot under cmdMu,
// which is what makes completion exactly-once: the dispatcher, the
// cancellation bridge and Close race for the slot, whoever empties it wins
// and the others see nil.
type cmdOp struct {
	done   func(error)
	detach func() bool // stops the context.AfterFunc watcher, may be nil
}

func (op *cmdOp) finish(d *Device, err error) {
	if op.detach != nil {
		op.detach()
	}
	done := op.done
	d.loop.Post(func() { done(err) })
}

// stateQuery is one pending tilt-angle or accelerometer read. All queries
// registered before a dispatcher iteration complete together from that
// iteration's single state snapshot.
type stateQuery struct {
	done   func(driver.TiltState, error)
	detach func() bool
}

func (q *stateQuery) finish(d *Device, st driver.TiltState, err error) {
	if q.detach != nil {
		q.detach()
	}
	done := q.done
	d.loop.Post(func() { done(st, err) })
}

// SetTiltAngle queues a motor move towards angle, in degrees relative to
// the horizon. done is invoked exactly once on the event loop when the
// motor has stopped after the move, with ErrPending when another tilt
// operation is outstanding, or with the failure. A nil done queues the move
// fire-and-forget; it too is rejected while a tracked operation is
// outstanding. Moves of at most one degree complete immediately: the motor
// does not execute sub-degree deltas.
func (d *Device) SetTiltAngle(ctx context.Context, angle float64, done func(error)) {
	d.cmdMu.Lock()

	if d.closed.Load() {
		d.cmdMu.Unlock()
		d.postErr(done, fmt.Errorf("set tilt: %w", ErrCancelled))
		return
	}
	if d.pendTilt != nil {
		d.cmdMu.Unlock()
		d.postErr(done, fmt.Errorf("set tilt: %w", ErrPending))
		return
	}
	if math.Abs(angle-d.tiltAngle) <= tiltThresholdDegs {
		d.cmdMu.Unlock()
		d.postErr(done, nil)
		return
	}

	if done != nil {
		op := &cmdOp{done: done}
		if ctx != nil && ctx.Done() != nil {
			op.detach = context.AfterFunc(ctx, func() { d.cancelTilt(op) })
		}
		d.pendTilt = op
	}
	d.tiltAngle = angle
	d.updateTilt = true
	d.startDispatcherLocked()
	d.cmdMu.Unlock()
}

// SetLed changes the status LED fire-and-forget; failures are logged by
// the dispatcher.
func (d *Device) SetLed(led driver.Led) {
	d.SetLedAsync(context.Background(), led, nil)
}

// SetLedAsync changes the status LED and reports the outcome of the write
// through done, exactly once on the event loop. A second request while one
// is outstanding fails with ErrPending.
func (d *Device) SetLedAsync(ctx context.Context, led driver.Led, done func(error)) {
	d.cmdMu.Lock()

	if d.closed.Load() {
		d.cmdMu.Unlock()
		d.postErr(done, fmt.Errorf("set led: %w", ErrCancelled))
		return
	}
	if done != nil && d.pendLed != nil {
		d.cmdMu.Unlock()
		d.postErr(done, fmt.Errorf("set led: %w", ErrPending))
		return
	}

	if done != nil {
		op := &cmdOp{done: done}
		if ctx != nil && ctx.Done() != nil {
			op.detach = context.AfterFunc(ctx, func() { d.cancelLed(op) })
		}
		d.pendLed = op
	}
	d.led = led
	d.updateLed = true
	d.startDispatcherLocked()
	d.cmdMu.Unlock()
}

// GetTiltAngle registers a state query; done receives the measured tilt
// angle from the dispatcher's next state snapshot, exactly once on the
// event loop.
func (d *Device) GetTiltAngle(ctx context.Context, done func(float64, error)) {
	d.registerQuery(ctx, func(st driver.TiltState, err error) {
		if err != nil {
			done(0, err)
			return
		}
		done(st.Angle, nil)
	})
}

// GetAccel registers a state query; done receives the accelerometer vector
// in m/s^2 from the dispatcher's next state snapshot, exactly once on the
// event loop.
func (d *Device) GetAccel(ctx context.Context, done func(x, y, z float64, err error)) {
	d.registerQuery(ctx, func(st driver.TiltState, err error) {
		if err != nil {
			done(0, 0, 0, err)
			return
		}
		done(st.AccelX, st.AccelY, st.AccelZ, nil)
	})
}

func (d *Device) registerQuery(ctx context.Context, done func(driver.TiltState, error)) {
	d.cmdMu.Lock()

	if d.closed.Load() {
		d.cmdMu.Unlock()
		d.loop.Post(func() { done(driver.TiltState{}, fmt.Errorf("query state: %w", ErrCancelled)) })
		return
	}

	q := &stateQuery{done: done}
	if ctx != nil && ctx.Done() != nil {
		q.detach = context.AfterFunc(ctx, func() { d.cancelQuery(q) })
	}
	d.queries = append(d.queries, q)
	d.startDispatcherLocked()
	d.cmdMu.Unlock()
}

// cancelTilt removes op from the tilt slot if it still owns it and
// completes it with ErrCancelled. Losing the race to the dispatcher or to
// Close is a no-op.
func (d *Device) cancelTilt(op *cmdOp) {
	d.cmdMu.Lock()
	if d.pendTilt != op {
		d.cmdMu.Unlock()
		return
	}
	d.pendTilt = nil
	// Leftover motion state must not leak into the next tilt op.
	d.motorMoving = false
	d.cmdMu.Unlock()
	op.finish(d, fmt.Errorf("set tilt: %w", ErrCancelled))
}

func (d *Device) cancelLed(op *cmdOp) {
	d.cmdMu.Lock()
	if d.pendLed != op {
		d.cmdMu.Unlock()
		return
	}
	d.pendLed = nil
	d.cmdMu.Unlock()
	op.finish(d, fmt.Errorf("set led: %w", ErrCancelled))
}

func (d *Device) cancelQuery(q *stateQuery) {
	d.cmdMu.Lock()
	removed := false
	for i, cand := range d.queries {
		if cand == q {
			d.queries = append(d.queries[:i], d.queries[i+1:]...)
			removed = true
			break
		}
	}
	d.cmdMu.Unlock()
	if removed {
		q.finish(d, driver.TiltState{}, fmt.Errorf("query state: %w", ErrCancelled))
	}
}

// postErr delivers a registration-time result to done on the event loop,
// tolerating fire-and-forget callers.
func (d *Device) postErr(done func(error), err error) {
	if done == nil {
		return
	}
	d.loop.Post(func() { done(err) })
}
