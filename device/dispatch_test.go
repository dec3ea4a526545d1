package device

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"kinectic.net/gokinect/driver"
)

func TestStaleStoppedReadingDoesNotCompleteTilt(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	// The first snapshot still reports "stopped" because the hardware has
	// not reacted to the write yet. Completion requires seeing the motor
	// move first.
	mctx.dev.pushStates(
		driver.TiltState{Status: driver.TiltStatusStopped, Angle: 0},
		driver.TiltState{Status: driver.TiltStatusMoving, Angle: 8},
		driver.TiltState{Status: driver.TiltStatusStopped, Angle: 15},
	)

	var done atomic.Bool
	var gotErr error
	dev.SetTiltAngle(context.Background(), 15, func(err error) {
		gotErr = err
		done.Store(true)
	})

	drainUntil(t, loop, func() bool { return done.Load() })
	assert.NoError(t, gotErr)

	mctx.dev.mu.Lock()
	remaining := len(mctx.dev.states)
	mctx.dev.mu.Unlock()
	assert.Zero(t, remaining, "all three snapshots were needed to settle the move")
}

func TestTiltWriteFailurePropagates(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	mctx.dev.mu.Lock()
	mctx.dev.setTiltErr = errMock
	mctx.dev.mu.Unlock()

	var done atomic.Bool
	var gotErr error
	dev.SetTiltAngle(context.Background(), 15, func(err error) {
		gotErr = err
		done.Store(true)
	})

	drainUntil(t, loop, func() bool { return done.Load() })
	assert.ErrorIs(t, gotErr, ErrCommandFailed)
}

func TestStateRefreshFailureFailsTiltAndQueries(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	mctx.dev.mu.Lock()
	mctx.dev.updateErr = errMock
	mctx.dev.mu.Unlock()

	var completions atomic.Int32
	var tiltErr, queryErr error
	dev.SetTiltAngle(context.Background(), 15, func(err error) {
		tiltErr = err
		completions.Add(1)
	})
	dev.GetTiltAngle(context.Background(), func(_ float64, err error) {
		queryErr = err
		completions.Add(1)
	})

	drainUntil(t, loop, func() bool { return completions.Load() == 2 })
	assert.ErrorIs(t, tiltErr, ErrStateRefresh)
	assert.ErrorIs(t, queryErr, ErrStateRefresh)
}

func TestQueuedQueriesShareOneSnapshot(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	mctx.dev.pushStates(driver.TiltState{Angle: 9, AccelX: 1, AccelY: 2, AccelZ: 3})

	// Queries are parked directly so the dispatcher only starts once all of
	// them are registered and serves them from a single refresh.
	var completions atomic.Int32
	var angles [2]float64
	for i := 0; i < 2; i++ {
		i := i
		q := &stateQuery{done: func(st driver.TiltState, err error) {
			assert.NoError(t, err)
			angles[i] = st.Angle
			completions.Add(1)
		}}
		dev.cmdMu.Lock()
		dev.queries = append(dev.queries, q)
		dev.cmdMu.Unlock()
	}

	var accel [3]float64
	dev.GetAccel(context.Background(), func(x, y, z float64, err error) {
		assert.NoError(t, err)
		accel = [3]float64{x, y, z}
		completions.Add(1)
	})

	drainUntil(t, loop, func() bool { return completions.Load() == 3 })

	assert.Equal(t, [2]float64{9, 9}, angles)
	assert.Equal(t, [3]float64{1, 2, 3}, accel)

	mctx.dev.mu.Lock()
	updates := mctx.dev.updates
	mctx.dev.mu.Unlock()
	// One refresh at open plus exactly one for the whole query batch.
	assert.Equal(t, 2, updates)
}

func TestFireAndForgetFailuresAreSwallowed(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	mctx.dev.mu.Lock()
	mctx.dev.setLedErr = errMock
	mctx.dev.mu.Unlock()

	dev.SetLed(driver.LedRed)

	// The failed write is logged and dropped; the session stays usable.
	mctx.dev.mu.Lock()
	mctx.dev.setLedErr = nil
	mctx.dev.mu.Unlock()

	dev.SetLed(driver.LedGreen)
	drainUntil(t, loop, func() bool { return mctx.dev.ledWriteCount() >= 1 })
	assert.Equal(t, driver.LedGreen, dev.Led())
}

func TestDispatcherRunsUntilClose(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)

	mctx.dev.pushStates(
		driver.TiltState{Status: driver.TiltStatusMoving, Angle: 3},
		driver.TiltState{Status: driver.TiltStatusStopped, Angle: 10},
	)

	var done atomic.Bool
	dev.SetTiltAngle(context.Background(), 10, func(error) { done.Store(true) })
	drainUntil(t, loop, func() bool { return done.Load() })

	// An empty queue does not stop the dispatcher; a later command is
	// picked up without re-registration.
	dev.SetLed(driver.LedYellow)
	drainUntil(t, loop, func() bool { return mctx.dev.ledWriteCount() >= 1 })

	dev.Close()
}
