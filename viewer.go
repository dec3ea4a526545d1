package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kinectic.net/gokinect/config"
	"kinectic.net/gokinect/device"
	"kinectic.net/gokinect/driver"
	"kinectic.net/gokinect/eventloop"
	"kinectic.net/gokinect/logging"
	"kinectic.net/gokinect/rpi"
)

const (
	viewerTitle = " GoKinect Depth Viewer "

	// Character-cell grid the depth image is sampled down to.
	gridCols = 96
	gridRows = 32

	accelRefresh = 500 * time.Millisecond
)

var ledNames = map[driver.Led]string{
	driver.LedOff:            "off",
	driver.LedGreen:          "green",
	driver.LedRed:            "red",
	driver.LedYellow:         "yellow",
	driver.LedBlinkGreen:     "blink green",
	driver.LedBlinkRedYellow: "blink red/yellow",
}

type viewer struct {
	conf   *config.Config
	dev    *device.Device
	loop   *eventloop.Loop
	mirror *rpi.StatusMirror

	app        *tview.Application
	depthView  *tview.TextView
	statusView *tview.TextView

	ledOrder []driver.Led

	mu         sync.Mutex
	tiltStep   float64
	target     float64
	ledIdx     int
	accel      [3]float64
	audioLevel float64 // normalised 0..1, negative when no meter runs
	message    string
}

func newViewer(conf *config.Config, dev *device.Device, loop *eventloop.Loop, mirror *rpi.StatusMirror) *viewer {
	order := maps.Keys(ledNames)
	slices.Sort(order)

	return &viewer{
		conf:       conf,
		dev:        dev,
		loop:       loop,
		mirror:     mirror,
		app:        tview.NewApplication(),
		ledOrder:   order,
		tiltStep:   conf.Viewer.TiltStep,
		audioLevel: -1,
	}
}

// Run builds the UI and blocks until the user quits.
func (v *viewer) Run() error {
	v.setupUI()

	v.dev.SetDepthFrameHandler(v.onDepthFrame)

	stopAccel := make(chan struct{})
	go v.accelPoller(stopAccel)
	defer close(stopAccel)

	err := v.app.Run()
	logging.BufferOutput()
	return err
}

func (v *viewer) setupUI() {
	v.depthView = tview.NewTextView()
	v.depthView.SetDynamicColors(true)
	v.depthView.SetTextAlign(tview.AlignLeft)
	v.depthView.SetBorder(true).SetTitle(viewerTitle).SetTitleColor(tcell.ColorLightBlue)

	v.statusView = tview.NewTextView()
	v.statusView.SetDynamicColors(true)
	v.statusView.SetBorder(true).SetTitle(" Status ").SetTitleColor(tcell.ColorLightBlue)
	v.statusView.SetText(v.statusText())

	help := tview.NewTextView()
	help.SetDynamicColors(true)
	help.SetTextAlign(tview.AlignCenter)
	help.SetText("[#ff0000]↑/↓[-] tilt  [#ff0000]0[-] level  [#ff0000]l[-] cycle LED  [#ff0000]q[-] quit")

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(v.depthView, gridRows+2, 1, true)
	layout.AddItem(v.statusView, 4, 1, false)
	layout.AddItem(help, 1, 1, false)

	v.app.SetRoot(layout, true).SetFocus(v.depthView)
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyUp:
			v.nudgeTilt(+1)
			return nil
		case tcell.KeyDown:
			v.nudgeTilt(-1)
			return nil
		case tcell.KeyEscape, tcell.KeyCtrlC:
			v.app.Stop()
			return nil
		}
		switch event.Rune() {
		case 'q', 'Q':
			v.app.Stop()
		case '0':
			v.moveTo(0)
		case 'l', 'L':
			v.cycleLed()
		}
		return event
	})

	// The TUI owns the screen now; logs that piled up during startup are
	// flushed into the status view's writer.
	if err := logging.SetOutput(tview.ANSIWriter(v.statusView)); err != nil {
		v.setMessage(fmt.Sprintf("log flush failed: %s", err))
	}
}

// onDepthFrame runs on the event loop for every coalesced depth frame
// notification.
func (v *viewer) onDepthFrame() {
	frame, mode := v.dev.DepthFrameGrayscale()
	if frame == nil {
		return
	}
	text := renderFrame(frame, mode.Width, mode.Height)
	v.app.QueueUpdateDraw(func() {
		v.depthView.SetText(text)
	})
}

// renderFrame samples the gray RGB image down to the character grid. A
// colour tag is emitted only when the level changes between neighbouring
// cells to keep the text small.
func renderFrame(gray []byte, width, height int) string {
	var buf strings.Builder
	buf.Grow(gridCols * gridRows * 4)

	last := -1
	for row := 0; row < gridRows; row++ {
		y := row * height / gridRows
		for col := 0; col < gridCols; col++ {
			x := col * width / gridCols
			g := int(gray[(y*width+x)*3])
			g &^= 0x0f // quantise to 16 levels
			if g != last {
				fmt.Fprintf(&buf, "[#%02x%02x%02x]", g, g, g)
				last = g
			}
			buf.WriteRune('█')
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

func (v *viewer) nudgeTilt(direction float64) {
	v.mu.Lock()
	target := v.target + direction*v.tiltStep
	v.mu.Unlock()
	v.moveTo(target)
}

func (v *viewer) moveTo(target float64) {
	target = math.Max(driver.TiltAngleMin, math.Min(driver.TiltAngleMax, target))

	v.mu.Lock()
	v.target = target
	v.mu.Unlock()

	if v.mirror != nil {
		v.mirror.SetMotorMoving(true)
	}
	v.setMessage(fmt.Sprintf("moving to %+.1f°", target))

	v.dev.SetTiltAngle(context.Background(), target, func(err error) {
		if v.mirror != nil {
			v.mirror.SetMotorMoving(false)
		}
		switch {
		case errors.Is(err, device.ErrPending):
			v.setMessage("motor still busy")
		case err != nil:
			v.setMessage(fmt.Sprintf("tilt failed: %s", err))
		default:
			v.setMessage(fmt.Sprintf("tilt settled at %+.1f°", v.dev.TiltAngle()))
		}
	})
}

func (v *viewer) cycleLed() {
	v.mu.Lock()
	v.ledIdx = (v.ledIdx + 1) % len(v.ledOrder)
	led := v.ledOrder[v.ledIdx]
	v.mu.Unlock()

	v.dev.SetLedAsync(context.Background(), led, func(err error) {
		if err != nil {
			v.setMessage(fmt.Sprintf("led failed: %s", err))
			return
		}
		if v.mirror != nil {
			v.mirror.SetLed(led)
		}
		v.setMessage("led " + ledNames[led])
	})
}

// accelPoller keeps the status line's accelerometer reading fresh. Query
// completions arrive on the event loop.
func (v *viewer) accelPoller(stop <-chan struct{}) {
	ticker := time.NewTicker(accelRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v.dev.GetAccel(context.Background(), func(x, y, z float64, err error) {
				if err != nil {
					return
				}
				v.mu.Lock()
				v.accel = [3]float64{x, y, z}
				v.mu.Unlock()
				v.redrawStatus()
			})
		}
	}
}

func (v *viewer) setAudioLevel(level float64) {
	v.mu.Lock()
	v.audioLevel = level
	v.mu.Unlock()
	v.redrawStatus()
}

func (v *viewer) setMessage(msg string) {
	v.mu.Lock()
	v.message = msg
	v.mu.Unlock()
	v.redrawStatus()
}

func (v *viewer) redrawStatus() {
	text := v.statusText()
	v.app.QueueUpdateDraw(func() {
		v.statusView.SetText(text)
	})
}

func (v *viewer) statusText() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	led := v.ledOrder[v.ledIdx]
	line := fmt.Sprintf(" Tilt %+6.1f° (target %+6.1f°)   LED %-16s  Accel % 6.2f % 6.2f % 6.2f",
		v.dev.TiltAngle(), v.target, ledNames[led], v.accel[0], v.accel[1], v.accel[2])
	if v.audioLevel >= 0 {
		line += "   Mic " + levelBar(v.audioLevel, 12)
	}
	if v.message != "" {
		line += "\n [yellow]" + v.message + "[-]"
	}
	return line
}

func levelBar(level float64, width int) string {
	lit := int(math.Ceil(level * float64(width)))
	if lit > width {
		lit = width
	}
	return "[green]" + strings.Repeat("|", lit) + "[-]" + strings.Repeat("·", width-lit)
}

// applyConfig takes over the runtime-tunable settings from a reloaded
// configuration file. Everything else needs a restart.
func (v *viewer) applyConfig(conf *config.Config) {
	v.mu.Lock()
	v.tiltStep = conf.Viewer.TiltStep
	v.mu.Unlock()
	v.setMessage(fmt.Sprintf("config reloaded, tilt step %.1f°", conf.Viewer.TiltStep))
}

// runNightMode keeps the status LED green during the day and red at night,
// following the local sunrise and sunset.
func (v *viewer) runNightMode(ctx context.Context) {
	lat := v.conf.NightMode.Latitude
	lon := v.conf.NightMode.Longitude

	for {
		wait := v.applyNightLed(lat, lon)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
