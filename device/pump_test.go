package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinectic.net/gokinect/driver"
)

// markFrame stamps the currently armed depth buffer so the test can tell
// which frame ends up in the consumer view.
func markFrame(mctx *mockContext, marker byte) {
	mctx.dev.mu.Lock()
	mctx.dev.depthBuf[0] = marker
	mctx.dev.mu.Unlock()
}

func TestFrameDelivery(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	notifications := 0
	var seen []byte
	dev.SetDepthFrameHandler(func() {
		notifications++
		view, mode := dev.DepthFrameRaw()
		require.NotNil(t, view)
		assert.Equal(t, 640*480*2, mode.Bytes)
		seen = append(seen, view[0])
	})

	require.NoError(t, dev.StartDepthStream(driver.DepthFormat11Bit))

	markFrame(mctx, 0xaa)
	mctx.fireDepthFrame(t, 1)
	drainUntil(t, loop, func() bool { return notifications == 1 })
	assert.Equal(t, []byte{0xaa}, seen)
	assert.Equal(t, uint32(1), dev.DepthFrameTimestamp())

	markFrame(mctx, 0xbb)
	mctx.fireDepthFrame(t, 2)
	drainUntil(t, loop, func() bool { return notifications == 2 })
	assert.Equal(t, []byte{0xaa, 0xbb}, seen)
	assert.Equal(t, uint32(2), dev.DepthFrameTimestamp())
}

func TestFrameBurstCoalescesToNewest(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	notifications := 0
	var last byte
	dev.SetDepthFrameHandler(func() {
		notifications++
		view, _ := dev.DepthFrameRaw()
		last = view[0]
	})

	require.NoError(t, dev.StartDepthStream(driver.DepthFormat11Bit))

	// Two frames arrive before the consumer drains: exactly one
	// notification fires and it carries the newer frame.
	markFrame(mctx, 0x01)
	mctx.fireDepthFrame(t, 1)
	markFrame(mctx, 0x02)
	mctx.fireDepthFrame(t, 2)

	loop.DrainPending()
	assert.Equal(t, 1, notifications, "bursts coalesce into one notification")
	assert.Equal(t, byte(0x02), last, "the notification carries the newest frame")

	// No stale notification follows.
	loop.DrainPending()
	assert.Equal(t, 1, notifications)
}

func TestFramesAfterStopAreDropped(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	notifications := 0
	dev.SetDepthFrameHandler(func() { notifications++ })

	require.NoError(t, dev.StartDepthStream(driver.DepthFormat11Bit))
	require.NoError(t, dev.StopDepthStream())

	// The pump winds down after a stop; a callback racing it is invoked
	// directly here, the way a buffered native event would arrive.
	mctx.dev.mu.Lock()
	cb := mctx.dev.depthCB
	mctx.dev.mu.Unlock()
	cb(nil, 1)

	loop.DrainPending()
	assert.Zero(t, notifications, "frames racing a stop are not delivered")
}

func TestRearmFailureIsRetried(t *testing.T) {
	mctx := newMockContext()
	dev, loop := newTestDevice(t, mctx)
	defer dev.Close()

	notifications := 0
	dev.SetDepthFrameHandler(func() { notifications++ })

	require.NoError(t, dev.StartDepthStream(driver.DepthFormat11Bit))

	mctx.dev.mu.Lock()
	mctx.dev.depthBufErr = errMock
	mctx.dev.mu.Unlock()

	mctx.fireDepthFrame(t, 1)
	drainUntil(t, loop, func() bool { return notifications == 1 })

	dev.streamMu.Lock()
	failures := dev.depth.rearmFailures
	dev.streamMu.Unlock()
	assert.Equal(t, 1, failures, "the failed re-arm is recorded")

	mctx.dev.mu.Lock()
	mctx.dev.depthBufErr = nil
	mctx.dev.mu.Unlock()

	mctx.fireDepthFrame(t, 2)
	drainUntil(t, loop, func() bool { return notifications == 2 })

	dev.streamMu.Lock()
	failures = dev.depth.rearmFailures
	dev.streamMu.Unlock()
	assert.Zero(t, failures, "a successful re-arm clears the failure streak")
}
