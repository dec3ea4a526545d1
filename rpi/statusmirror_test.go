package rpi

import (
	"testing"

	"kinectic.net/gokinect/driver"
)

func TestStatusMirrorOnHardware(t *testing.T) {
	m, err := NewStatusMirror(18, 23)
	if err != nil {
		t.Skipf("no GPIO available: %s", err)
	}
	m.SetLed(driver.LedGreen)
	m.SetLed(driver.LedOff)
	m.SetMotorMoving(true)
	m.SetMotorMoving(false)
	m.Close()
}

func TestClosedMirrorIgnoresUpdates(t *testing.T) {
	m := &StatusMirror{}
	m.SetLed(driver.LedGreen)
	m.SetMotorMoving(true)
	m.Close()
	m.Close()
}
