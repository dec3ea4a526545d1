// gokinect opens a depth sensor session and shows the live depth image in
// the terminal. Tilt, LED and accelerometer are driven interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"kinectic.net/gokinect/config"
	"kinectic.net/gokinect/device"
	"kinectic.net/gokinect/driver/sim"
	"kinectic.net/gokinect/eventloop"
	"kinectic.net/gokinect/logging"
	"kinectic.net/gokinect/rpi"
)

func main() {
	cfile := flag.String("config", config.CONFILE, "path to the configuration file")
	flag.Parse()

	conf, err := config.ReadConfig(*cfile)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		conf = config.Default()
	}

	// Log output is buffered until the TUI is up and owns the screen.
	if err := logging.Init(true, conf.Logging.Level, conf.Logging.Format, conf.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "can't initialise logging: %s\n", err)
		os.Exit(2)
	}
	defer logging.Close()

	if err := run(conf); err != nil {
		logging.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(conf *config.Config) error {
	subs, err := conf.SubdeviceMask()
	if err != nil {
		return err
	}
	depthFmt, err := conf.DepthFmt()
	if err != nil {
		return err
	}
	videoRes, err := conf.VideoRes()
	if err != nil {
		return err
	}
	videoFmt, err := conf.VideoFmt()
	if err != nil {
		return err
	}

	if !conf.Sim.Enabled {
		slog.Warn("no native sensor driver in this build, using the simulated sensor")
	}
	backend := sim.Backend(sim.Config{
		FrameInterval:        conf.FrameInterval(),
		MotorTravelRefreshes: conf.Sim.MotorTravelRefreshes,
		SmoothingWindow:      conf.Sim.SmoothingSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := eventloop.New()
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	dev, err := device.Open(ctx, device.Options{
		Backend:              backend,
		Index:                conf.Device.Index,
		Subdevices:           subs,
		Loop:                 loop,
		DispatchIdleDelay:    conf.DispatchIdleDelay(),
		ProcessEventsTimeout: conf.EventsTimeout(),
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.StartDepthStream(depthFmt); err != nil {
		return err
	}
	if conf.Viewer.ShowVideo {
		if err := dev.StartVideoStream(videoRes, videoFmt); err != nil {
			return err
		}
	}

	var mirror *rpi.StatusMirror
	if conf.GPIO.Enabled {
		mirror, err = rpi.NewStatusMirror(conf.GPIO.LedPin, conf.GPIO.MotorPin)
		if err != nil {
			slog.Warn("GPIO status mirror unavailable", "error", err)
		} else {
			defer mirror.Close()
		}
	}

	v := newViewer(conf, dev, loop, mirror)

	if conf.Configfile != "" {
		stopWatch, err := config.Watch(conf.Configfile, v.applyConfig)
		if err != nil {
			slog.Warn("config file watching unavailable", "error", err)
		} else {
			defer stopWatch()
		}
	}

	if conf.NightMode.Enabled {
		go v.runNightMode(ctx)
	}
	if conf.Audio.Enabled {
		if err := v.startAudioMeter(ctx); err != nil {
			slog.Warn("audio meter unavailable", "error", err)
		}
	}

	return v.Run()
}
