package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinectic.net/gokinect/driver"
)

func openTestDevice(t *testing.T, cfg Config) (*Context, driver.Device) {
	t.Helper()
	ctx, err := NewContext(cfg)
	require.NoError(t, err)
	dev, err := ctx.OpenDevice(0)
	require.NoError(t, err)
	return ctx, dev
}

func TestOpenDevice(t *testing.T) {
	ctx, err := NewContext(Config{})
	require.NoError(t, err)

	dev, err := ctx.OpenDevice(0)
	require.NoError(t, err)

	_, err = ctx.OpenDevice(0)
	assert.Error(t, err, "a device can only be opened once")

	_, err = ctx.OpenDevice(5)
	assert.Error(t, err, "only one simulated device exists by default")

	require.NoError(t, dev.Close())
	require.NoError(t, ctx.Shutdown())
}

func TestFailureInjection(t *testing.T) {
	_, err := NewContext(Config{FailInit: true})
	assert.Error(t, err)

	ctx, err := NewContext(Config{FailOpen: true})
	require.NoError(t, err)
	_, err = ctx.OpenDevice(0)
	assert.Error(t, err)

	_, dev := openTestDevice(t, Config{FailSetTilt: true, FailSetLed: true, FailUpdateState: true})
	assert.Error(t, dev.SetTiltDegs(10))
	assert.Error(t, dev.SetLed(driver.LedRed))
	_, err = dev.UpdateTiltState()
	assert.Error(t, err)
}

func TestStreamLifecycle(t *testing.T) {
	_, dev := openTestDevice(t, Config{})

	mode, ok := driver.FindDepthMode(driver.ResolutionMedium, driver.DepthFormat11Bit)
	require.True(t, ok)

	assert.Error(t, dev.StartDepth(), "start requires a mode")
	require.NoError(t, dev.SetDepthMode(mode))

	assert.Error(t, dev.SetDepthBuffer(make([]byte, 16)), "undersized buffer must be rejected")
	require.NoError(t, dev.SetDepthBuffer(make([]byte, mode.Bytes)))

	require.NoError(t, dev.StartDepth())
	assert.Error(t, dev.StartDepth(), "double start must fail")
	assert.Error(t, dev.SetDepthMode(mode), "mode is frozen while started")

	require.NoError(t, dev.StopDepth())
	assert.Error(t, dev.StopDepth(), "double stop must fail")
}

func TestProcessEventsDeliversFrames(t *testing.T) {
	ctx, dev := openTestDevice(t, Config{FrameInterval: 5 * time.Millisecond})

	mode, ok := driver.FindDepthMode(driver.ResolutionMedium, driver.DepthFormat11Bit)
	require.True(t, ok)

	frames := 0
	var lastTS uint32
	dev.SetDepthCallback(func(_ []byte, ts uint32) {
		frames++
		lastTS = ts
	})

	buf := make([]byte, mode.Bytes)
	require.NoError(t, dev.SetDepthMode(mode))
	require.NoError(t, dev.SetDepthBuffer(buf))
	require.NoError(t, dev.StartDepth())

	for i := 0; i < 3; i++ {
		require.NoError(t, ctx.ProcessEvents(time.Second))
	}

	assert.GreaterOrEqual(t, frames, 3)
	assert.Equal(t, uint32(frames), lastTS, "timestamps count delivered frames")
}

func TestProcessEventsTimesOutIdle(t *testing.T) {
	ctx, _ := openTestDevice(t, Config{})

	start := time.Now()
	require.NoError(t, ctx.ProcessEvents(20*time.Millisecond))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond, "without started streams the call waits for the timeout")
}

func TestMotorTravel(t *testing.T) {
	_, dev := openTestDevice(t, Config{MotorTravelRefreshes: 3, SmoothingWindow: 1})

	require.NoError(t, dev.SetTiltDegs(15))

	moving := 0
	for i := 0; i < 10; i++ {
		st, err := dev.UpdateTiltState()
		require.NoError(t, err)
		if st.Status == driver.TiltStatusMoving {
			moving++
			continue
		}
		assert.InDelta(t, 15.0, st.Angle, 1e-9)
		break
	}
	assert.Equal(t, 3, moving, "the motor reports moving for the configured number of refreshes")
}

func TestTiltClampsToHardwareRange(t *testing.T) {
	_, dev := openTestDevice(t, Config{MotorTravelRefreshes: 1, SmoothingWindow: 1})

	require.NoError(t, dev.SetTiltDegs(90))
	st, err := dev.UpdateTiltState()
	require.NoError(t, err)
	st, err = dev.UpdateTiltState()
	require.NoError(t, err)
	assert.InDelta(t, driver.TiltAngleMax, st.Angle, 1e-9)
}

func TestAccelFollowsAngle(t *testing.T) {
	_, dev := openTestDevice(t, Config{MotorTravelRefreshes: 1, SmoothingWindow: 1})

	st, err := dev.UpdateTiltState()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, st.AccelY, 1e-6)
	assert.InDelta(t, gravity, st.AccelZ, 1e-6)

	require.NoError(t, dev.SetTiltDegs(30))
	st, err = dev.UpdateTiltState()
	require.NoError(t, err)
	st, err = dev.UpdateTiltState()
	require.NoError(t, err)
	assert.InDelta(t, gravity/2, st.AccelY, 1e-6, "ay = g*sin(30°)")
}

func TestRearmFailureInjection(t *testing.T) {
	_, dev := openTestDevice(t, Config{FailRearms: 2})

	mode, ok := driver.FindDepthMode(driver.ResolutionMedium, driver.DepthFormat11Bit)
	require.True(t, ok)
	require.NoError(t, dev.SetDepthMode(mode))

	buf := make([]byte, mode.Bytes)
	assert.Error(t, dev.SetDepthBuffer(buf))
	assert.Error(t, dev.SetDepthBuffer(buf))
	assert.NoError(t, dev.SetDepthBuffer(buf), "failures stop after the configured count")
}

func TestShutdownStopsProcessing(t *testing.T) {
	ctx, _ := openTestDevice(t, Config{})
	require.NoError(t, ctx.Shutdown())
	assert.Error(t, ctx.ProcessEvents(time.Millisecond))
	assert.Error(t, ctx.Shutdown(), "double shutdown must fail")
}
