package main

import (
	"time"

	"github.com/nathan-osman/go-sunrise"

	"kinectic.net/gokinect/driver"
)

// applyNightLed switches the status LED for the current phase of the day
// and returns how long that phase lasts: green between sunrise and sunset,
// red otherwise.
func (v *viewer) applyNightLed(lat, lon float64) time.Duration {
	now := time.Now()
	next := now.Add(24 * time.Hour)
	rise, set := sunrise.SunriseSunset(lat, lon, now.Year(), now.Month(), now.Day())
	riseNext, _ := sunrise.SunriseSunset(lat, lon, next.Year(), next.Month(), next.Day())

	var led driver.Led
	var wait time.Duration
	switch {
	case now.After(rise) && now.Before(set):
		led = driver.LedGreen
		wait = set.Sub(now)
	case now.Before(rise):
		// after midnight but before sunrise
		led = driver.LedRed
		wait = rise.Sub(now)
	default:
		// before midnight, sleep until tomorrow's sunrise
		led = driver.LedRed
		wait = riseNext.Sub(now)
	}

	v.dev.SetLed(led)
	if v.mirror != nil {
		v.mirror.SetLed(led)
	}
	return wait
}
