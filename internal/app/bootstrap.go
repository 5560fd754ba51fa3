package app

import (
	"time"

	"bugwatch/internal/config"
	"bugwatch/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type LoadOptions = config.LoadOptions

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return 0, &config.Error{Field: path, Err: err}
	}
	return d, nil
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.New
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)
