//go:build cgo

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// startAudioMeter feeds a microphone VU level into the status line. The
// sensor carries a microphone array; until the audio subdevice streams
// through the driver, the meter reads the host input that the array is
// registered as.
func (v *viewer) startAudioMeter(ctx context.Context) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	dev, err := findInputDevice(v.conf.Audio.Device)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	buffer := make([]float32, v.conf.Audio.FramesPerBuffer*dev.MaxInputChannels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: dev.MaxInputChannels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      v.conf.Audio.SampleRate,
		FramesPerBuffer: v.conf.Audio.FramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	slog.Info("audio meter running", "device", dev.Name,
		"sample_rate", v.conf.Audio.SampleRate, "frames", v.conf.Audio.FramesPerBuffer)

	go func() {
		defer func() {
			stream.Stop()
			stream.Close()
			if err := portaudio.Terminate(); err != nil {
				slog.Warn("failed to terminate portaudio", "error", err)
			}
		}()

		minDB := v.conf.Audio.MinDB
		maxDB := v.conf.Audio.MaxDB
		for {
			if ctx.Err() != nil {
				return
			}
			if err := stream.Read(); err != nil {
				// Input overflow happens under load; skip the buffer.
				continue
			}
			db := rmsToDB(calculateRMS(buffer))
			db = math.Min(math.Max(db, minDB), maxDB)
			v.setAudioLevel((db - minDB) / (maxDB - minDB))
		}
	}()
	return nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default audio input: %w", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("could not list audio devices: %w", err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), strings.ToLower(name)) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no audio input device matching %q", name)
}

func calculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func rmsToDB(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
