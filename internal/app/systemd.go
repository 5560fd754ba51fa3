package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bugwatch/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// sdNotify returns a notifier for the systemd notify socket. Outside systemd
// (no NOTIFY_SOCKET) every call is a no-op.
func sdNotify(log logx.Logger) func(state string) {
	return func(state string) {
		sent, err := daemon.SdNotify(false, state)
		if err != nil {
			log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
			return
		}
		if sent {
			log.Trace("sd_notify", logx.String("state", state))
		}
	}
}

// watchdogInterval is half of WatchdogSec, or 0 when the unit has no watchdog.
func watchdogInterval(log logx.Logger) time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return 0
	}
	return d / 2
}
