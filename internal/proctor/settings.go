package proctor

import (
	"proctor/internal/attempt"
	"proctor/internal/config"
	"proctor/internal/detector"
	"proctor/internal/recorder"
)

func detectorConfig(c *config.Config) detector.Config {
	d := c.Detector
	return detector.Config{
		GracePeriod:         config.Millis(d.GracePeriodMs),
		PollInterval:        config.Millis(d.PollIntervalMs),
		WidthTolerance:      d.WidthTolerance,
		ProhibitedShortcuts: d.ProhibitedShortcuts,
		TabWarning:          config.Millis(d.TabWarningMs),
		MonitorWarning:      config.Millis(d.MonitorWarningMs),
	}
}

func recorderConfig(c *config.Config) recorder.Config {
	return recorder.Config{
		Timeslice: config.Millis(c.Recorder.TimesliceMs),
		Profiles:  c.Recorder.Profiles,
	}
}

func attemptConfig(c *config.Config) attempt.Config {
	return attempt.Config{
		Tick:            config.Millis(c.Attempt.TickMs),
		DefaultLanguage: c.Attempt.DefaultLanguage,
	}
}
