// Package config loads the YAML configuration and maps its symbolic values
// onto driver types.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kinectic.net/gokinect/driver"
)

const CONFILE = "config.yml"

type Config struct {
	Configfile string `yaml:"-"`

	Logging struct {
		Level  string `yaml:"Level"`
		Format string `yaml:"Format"`
		File   string `yaml:"File"`
	} `yaml:"Logging"`

	Device struct {
		Index               int           `yaml:"Index"`
		Subdevices          []string      `yaml:"Subdevices"`
		DepthFormat         string        `yaml:"DepthFormat"`
		VideoResolution     string        `yaml:"VideoResolution"`
		VideoFormat         string        `yaml:"VideoFormat"`
		DispatchIdleMillis  time.Duration `yaml:"DispatchIdleMillis"`
		EventsTimeoutMillis time.Duration `yaml:"EventsTimeoutMillis"`
	} `yaml:"Device"`

	Sim struct {
		Enabled              bool          `yaml:"Enabled"`
		FrameIntervalMillis  time.Duration `yaml:"FrameIntervalMillis"`
		MotorTravelRefreshes int           `yaml:"MotorTravelRefreshes"`
		SmoothingSize        int           `yaml:"SmoothingSize"`
	} `yaml:"Sim"`

	Viewer struct {
		TiltStep  float64 `yaml:"TiltStep"`
		ShowVideo bool    `yaml:"ShowVideo"`
	} `yaml:"Viewer"`

	NightMode struct {
		Enabled   bool    `yaml:"Enabled"`
		Latitude  float64 `yaml:"Latitude"`
		Longitude float64 `yaml:"Longitude"`
	} `yaml:"NightMode"`

	Audio struct {
		Enabled         bool    `yaml:"Enabled"`
		Device          string  `yaml:"Device"`
		SampleRate      float64 `yaml:"SampleRate"`
		FramesPerBuffer int     `yaml:"FramesPerBuffer"`
		MinDB           float64 `yaml:"MinDB"`
		MaxDB           float64 `yaml:"MaxDB"`
	} `yaml:"Audio"`

	GPIO struct {
		Enabled  bool `yaml:"Enabled"`
		LedPin   int  `yaml:"LedPin"`
		MotorPin int  `yaml:"MotorPin"`
	} `yaml:"GPIO"`
}

// Default returns a configuration that works without a config file: the
// simulated backend, camera and motor claimed, medium-resolution RGB video
// and 11-bit depth.
func Default() *Config {
	conf := &Config{}
	conf.Logging.Level = "INFO"
	conf.Logging.Format = "text"
	conf.Device.Subdevices = []string{"camera", "motor"}
	conf.Device.DepthFormat = "11bit"
	conf.Device.VideoResolution = "medium"
	conf.Device.VideoFormat = "rgb"
	conf.Device.DispatchIdleMillis = 2
	conf.Device.EventsTimeoutMillis = 100
	conf.Sim.Enabled = true
	conf.Sim.FrameIntervalMillis = 33
	conf.Sim.MotorTravelRefreshes = 3
	conf.Sim.SmoothingSize = 8
	conf.Viewer.TiltStep = 2.0
	conf.Viewer.ShowVideo = false
	conf.Audio.SampleRate = 44100
	conf.Audio.FramesPerBuffer = 1024
	conf.Audio.MinDB = -60
	conf.Audio.MaxDB = 0
	return conf
}

// ReadConfig loads cfile on top of the defaults. A missing file is an
// error; a partial file keeps the defaults for everything it omits.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't open config file %s: %w", cfile, err)
	}
	defer f.Close()

	conf := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	conf.Configfile = cfile
	return conf, nil
}

// SubdeviceMask maps the configured subdevice names onto the driver's claim
// bits.
func (c *Config) SubdeviceMask() (driver.Subdevices, error) {
	if len(c.Device.Subdevices) == 0 {
		return driver.DefaultSubdevices, nil
	}
	var subs driver.Subdevices
	for _, name := range c.Device.Subdevices {
		switch strings.ToLower(name) {
		case "camera":
			subs |= driver.SubdeviceCamera
		case "motor":
			subs |= driver.SubdeviceMotor
		case "audio":
			subs |= driver.SubdeviceAudio
		default:
			return 0, fmt.Errorf("unknown subdevice %q", name)
		}
	}
	return subs, nil
}

// DepthFmt maps the configured depth format name onto the driver enum.
func (c *Config) DepthFmt() (driver.DepthFormat, error) {
	switch strings.ToLower(c.Device.DepthFormat) {
	case "", "11bit":
		return driver.DepthFormat11Bit, nil
	case "10bit":
		return driver.DepthFormat10Bit, nil
	case "registered":
		return driver.DepthFormatRegistered, nil
	case "mm":
		return driver.DepthFormatMM, nil
	default:
		return 0, fmt.Errorf("unknown depth format %q", c.Device.DepthFormat)
	}
}

// VideoRes maps the configured resolution name onto the driver enum.
func (c *Config) VideoRes() (driver.Resolution, error) {
	switch strings.ToLower(c.Device.VideoResolution) {
	case "low":
		return driver.ResolutionLow, nil
	case "", "medium":
		return driver.ResolutionMedium, nil
	case "high":
		return driver.ResolutionHigh, nil
	default:
		return 0, fmt.Errorf("unknown video resolution %q", c.Device.VideoResolution)
	}
}

// VideoFmt maps the configured video format name onto the driver enum.
func (c *Config) VideoFmt() (driver.VideoFormat, error) {
	switch strings.ToLower(c.Device.VideoFormat) {
	case "", "rgb":
		return driver.VideoFormatRGB, nil
	case "bayer":
		return driver.VideoFormatBayer, nil
	case "ir":
		return driver.VideoFormatIR8Bit, nil
	case "yuv":
		return driver.VideoFormatYUVRGB, nil
	default:
		return 0, fmt.Errorf("unknown video format %q", c.Device.VideoFormat)
	}
}

// DispatchIdleDelay returns the dispatcher idle delay as a duration.
func (c *Config) DispatchIdleDelay() time.Duration {
	return c.Device.DispatchIdleMillis * time.Millisecond
}

// EventsTimeout returns the event-pump timeout as a duration.
func (c *Config) EventsTimeout() time.Duration {
	return c.Device.EventsTimeoutMillis * time.Millisecond
}

// FrameInterval returns the simulated frame period as a duration.
func (c *Config) FrameInterval() time.Duration {
	return c.Sim.FrameIntervalMillis * time.Millisecond
}
