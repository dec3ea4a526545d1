// Package rpi mirrors sensor status onto Raspberry Pi GPIO pins: one pin
// follows whether the status LED is lit, another whether the tilt motor is
// moving. Useful when the sensor sits out of sight and a panel LED has to
// stand in for it.
package rpi

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"kinectic.net/gokinect/driver"
)

type StatusMirror struct {
	mu       sync.Mutex
	ledPin   rpio.Pin
	motorPin rpio.Pin
	open     bool
}

// NewStatusMirror opens the GPIO subsystem and configures both pins as
// outputs, initially low.
func NewStatusMirror(ledPin, motorPin int) (*StatusMirror, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open rpio: %w", err)
	}

	m := &StatusMirror{
		ledPin:   rpio.Pin(ledPin),
		motorPin: rpio.Pin(motorPin),
		open:     true,
	}
	m.ledPin.Output()
	m.ledPin.Low()
	m.motorPin.Output()
	m.motorPin.Low()

	slog.Info("GPIO status mirror ready", "led_pin", ledPin, "motor_pin", motorPin)
	return m, nil
}

// SetLed drives the LED pin high for any lit LED state and low for LedOff.
func (m *StatusMirror) SetLed(led driver.Led) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	if led == driver.LedOff {
		m.ledPin.Low()
	} else {
		m.ledPin.High()
	}
}

// SetMotorMoving drives the motor pin high while the tilt motor travels.
func (m *StatusMirror) SetMotorMoving(moving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	if moving {
		m.motorPin.High()
	} else {
		m.motorPin.Low()
	}
}

// Close lowers both pins and releases the GPIO subsystem.
func (m *StatusMirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	m.ledPin.Low()
	m.motorPin.Low()
	if err := rpio.Close(); err != nil {
		slog.Warn("failed to close rpio", "error", err)
	}
	m.open = false
}
