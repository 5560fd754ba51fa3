package app

import (
	"strings"
	"time"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/config"
	"bugwatch/internal/dispatch"
	"bugwatch/internal/monitor"
	"bugwatch/internal/schedule"
	"bugwatch/internal/snapshot"
	logx "bugwatch/pkg/logx"
)

func mapLogConfig(cfg *Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if v := strings.TrimSpace(levelOverride); v != "" {
		level = v
	}
	file := strings.TrimSpace(cfg.Logging.File)
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: file != "", Path: file},
	}
}

func mapSourceConfig(cfg *Config) (bugzilla.Config, error) {
	timeout, err := parseDurationOrDefault("bugzilla.timeout", cfg.Bugzilla.Timeout, 30*time.Second)
	if err != nil {
		return bugzilla.Config{}, err
	}
	return bugzilla.Config{
		URL:     cfg.Bugzilla.URL,
		APIKey:  cfg.Bugzilla.APIKey,
		Timeout: timeout,
		Filter: bugzilla.Filter{
			Statuses: cfg.Filter.Statuses,
			Products: cfg.Filter.Products,
			Email:    cfg.Filter.Email,
		},
	}, nil
}

func mapStoreConfig(cfg *Config) (snapshot.Config, error) {
	lock, err := parseDurationOrDefault("state.lock_timeout", cfg.State.LockTimeout, 10*time.Second)
	if err != nil {
		return snapshot.Config{}, err
	}
	busy, err := parseDurationOrDefault("state.busy_timeout", cfg.State.BusyTimeout, time.Second)
	if err != nil {
		return snapshot.Config{}, err
	}
	return snapshot.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.State.Driver)),
		Path:        strings.TrimSpace(cfg.State.Path),
		BusyTimeout: busy,
		LockTimeout: lock,
	}, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	timeout, err := parseDurationOrDefault("notify.timeout", cfg.Notify.Timeout, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Driver:           strings.ToLower(strings.TrimSpace(cfg.Notify.Driver)),
		WebhookURL:       cfg.Notify.WebhookURL,
		RatePerSec:       cfg.Notify.RatePerSec,
		Timeout:          timeout,
		TelegramToken:    cfg.Notify.Telegram.Token,
		TelegramChatID:   cfg.Notify.Telegram.ChatID,
		TelegramThreadID: cfg.Notify.Telegram.ThreadID,
	}, nil
}

// mapMonitorOptions resolves the query window. The default window is twice
// the cycle interval so one late or failed cycle does not open a gap.
func mapMonitorOptions(cfg *Config, every time.Duration) (monitor.Options, error) {
	lookback, err := parseDurationOrDefault("bugzilla.initial_lookback", cfg.Bugzilla.InitialLookback, 30*24*time.Hour)
	if err != nil {
		return monitor.Options{}, err
	}
	if every <= 0 {
		every = cfg.Interval()
	}
	window, err := parseDurationOrDefault("bugzilla.query_window", cfg.Bugzilla.QueryWindow, 2*every)
	if err != nil {
		return monitor.Options{}, err
	}
	since, err := cfg.LastChangeTime()
	if err != nil {
		return monitor.Options{}, err
	}
	return monitor.Options{InitialLookback: lookback, Window: window, Since: since}, nil
}

// cycleSchedule is schedule.spec when set, otherwise the interval in minutes.
func cycleSchedule(cfg *Config) (schedule.Spec, error) {
	raw := strings.TrimSpace(cfg.Schedule.Spec)
	if raw == "" {
		return schedule.Every(cfg.Interval()), nil
	}
	sp, err := schedule.Parse(raw)
	if err != nil {
		return schedule.Spec{}, &config.Error{Field: "SCHEDULE", Err: err}
	}
	return sp, nil
}

func digestSchedule(cfg *Config) (schedule.Spec, bool, error) {
	raw := strings.TrimSpace(cfg.Schedule.Digest)
	if raw == "" {
		return schedule.Spec{}, false, nil
	}
	sp, err := schedule.Parse(raw)
	if err != nil {
		return schedule.Spec{}, false, &config.Error{Field: "DIGEST_SCHEDULE", Err: err}
	}
	return sp, true, nil
}
