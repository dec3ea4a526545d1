//go:build !cgo

package main

import (
	"context"
	"log/slog"
)

// startAudioMeter is a stub for builds without CGO; the portaudio binding
// needs it.
func (v *viewer) startAudioMeter(ctx context.Context) error {
	slog.Warn("audio meter disabled in this build (requires CGO)")
	return nil
}
