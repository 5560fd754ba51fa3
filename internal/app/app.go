package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/config"
	"bugwatch/internal/dispatch"
	"bugwatch/internal/format"
	"bugwatch/internal/monitor"
	"bugwatch/internal/schedule"
	"bugwatch/internal/snapshot"
	logx "bugwatch/pkg/logx"
)

// Options describes how the process was started.
type Options struct {
	ConfigPath string
	EnvFile    string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Notify builds the dispatcher. Commands that never post (list, reset)
	// leave it off so a missing webhook is not a startup error.
	Notify bool

	Getenv     func(key string) (string, bool)
	HTTPClient *http.Client
}

// App owns the components of one bugwatch process.
type App struct {
	opts Options
	cfg  *Config

	log  logx.Logger
	logs *logx.Service

	src   *bugzilla.Client
	store snapshot.Store
	fmt   format.Formatter
	mon   *monitor.Controller

	cycle  schedule.Spec
	digest schedule.Spec
	// hasDigest is true when a digest schedule is configured.
	hasDigest bool

	notify func(state string)
}

// New loads the configuration and builds every component. All returned
// errors that stem from settings are *config.Error.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(LoadOptions{
		ConfigPath: opts.ConfigPath,
		EnvFile:    opts.EnvFile,
		Getenv:     opts.Getenv,
	})
	if err != nil {
		return nil, err
	}
	if opts.Notify {
		if err := cfg.ValidateNotify(); err != nil {
			return nil, err
		}
	}

	cycle, err := cycleSchedule(cfg)
	if err != nil {
		return nil, err
	}
	digest, hasDigest, err := digestSchedule(cfg)
	if err != nil {
		return nil, err
	}
	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	every := time.Duration(0)
	if cycle.Kind == schedule.KindInterval {
		every = cycle.Every
	}
	monOpts, err := mapMonitorOptions(cfg, every)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, opts.LogLevel))

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	src, err := bugzilla.New(srcCfg, httpClient, log.With(logx.String("comp", "bugzilla")))
	if err != nil {
		_ = logSvc.Close()
		return nil, &config.Error{Field: "BUGZILLA_URL", Err: err}
	}

	var disp dispatch.Dispatcher = disabledDispatcher{}
	if opts.Notify {
		dc, err := mapDispatchConfig(cfg)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		disp, err = dispatch.New(dc, httpClient, log.With(logx.String("comp", "dispatch")))
		if err != nil {
			_ = logSvc.Close()
			return nil, &config.Error{Field: "notify", Err: err}
		}
	}

	store, err := snapshot.Open(storeCfg, log.With(logx.String("comp", "snapshot")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	f := format.New(cfg.Bugzilla.BaseURL)
	mon := monitor.New(src, store, disp, f, monOpts, log.With(logx.String("comp", "monitor")))

	return &App{
		opts:      opts,
		cfg:       cfg,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		src:       src,
		store:     store,
		fmt:       f,
		mon:       mon,
		cycle:     cycle,
		digest:    digest,
		hasDigest: hasDigest,
		notify:    sdNotify(log.With(logx.String("comp", "systemd"))),
	}, nil
}

// Config returns the configuration the app was built with.
func (a *App) Config() *Config { return a.cfg }

// Close releases the store and flushes logs.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// Once runs a single cycle.
func (a *App) Once(ctx context.Context) (monitor.Report, error) {
	return a.mon.RunCycle(ctx)
}

// Digest posts the full bug list once.
func (a *App) Digest(ctx context.Context) (int, error) {
	return a.mon.Digest(ctx)
}

// Reset clears the stored snapshot.
func (a *App) Reset(ctx context.Context) error {
	if err := a.mon.Reset(ctx); err != nil {
		return err
	}
	a.log.Info("snapshot reset", logx.String("path", a.cfg.State.Path))
	return nil
}

// List prints the per-role bug report to w. It neither reads nor writes the
// snapshot and sends nothing.
func (a *App) List(ctx context.Context, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	since, err := a.cfg.LastChangeTime()
	if err != nil {
		return err
	}
	if since.IsZero() {
		lookback, err := parseDurationOrDefault("bugzilla.initial_lookback", a.cfg.Bugzilla.InitialLookback, 30*24*time.Hour)
		if err != nil {
			return err
		}
		since = time.Now().Add(-lookback)
	}
	segs, err := a.src.FetchSegments(ctx, bugzilla.Query{Since: since})
	if err != nil {
		return err
	}
	return a.fmt.WriteSegments(w, segs, a.cfg.Filter.ProductOrder)
}

// Run is loop mode: one cycle right away, then on the configured schedule,
// until ctx is cancelled or a supervised goroutine fails.
func (a *App) Run(ctx context.Context) error {
	sup := NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	sched := schedule.New(a.cfg.Schedule.Timezone, a.log.With(logx.String("comp", "schedule")))
	if err := sched.Add("cycle", a.cycle, a.cycleTimeout(), a.cycleJob); err != nil {
		return &config.Error{Field: "SCHEDULE", Err: err}
	}
	if a.hasDigest {
		if err := sched.Add("digest", a.digest, 0, a.digestJob); err != nil {
			return &config.Error{Field: "DIGEST_SCHEDULE", Err: err}
		}
	}

	sup.Go("scheduler", func(c context.Context) error {
		_ = a.cycleJob(c)
		return sched.Run(c)
	})

	if a.opts.ConfigPath != "" || a.opts.EnvFile != "" {
		w := config.NewWatcher(LoadOptions{
			ConfigPath: a.opts.ConfigPath,
			EnvFile:    a.opts.EnvFile,
			Getenv:     a.opts.Getenv,
		}, a.cfg, a.log.With(logx.String("comp", "config")))
		sup.GoRestart("config.watch", 30*time.Second, w.Watch)
	}

	if interval := watchdogInterval(a.log); interval > 0 {
		sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					a.notify(sdWatchdog)
				}
			}
		})
	}

	a.log.Info("bugwatch started",
		logx.String("schedule", a.cycle.String()),
		logx.Bool("digest", a.hasDigest),
		logx.String("state", a.cfg.State.Driver),
		logx.String("notify", a.cfg.Notify.Driver),
	)
	a.notify(sdReady)
	a.notify("STATUS=watching " + a.cfg.Bugzilla.BaseURL)

	<-sup.Context().Done()
	a.notify(sdStopping)
	a.log.Info("bugwatch stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		a.log.Error("shutdown incomplete", logx.Err(err))
		return err
	}
	return nil
}

// cycleTimeout bounds one scheduled cycle to its interval. Cron schedules
// run unbounded; every HTTP call still has its own timeout.
func (a *App) cycleTimeout() time.Duration {
	if a.cycle.Kind == schedule.KindInterval {
		return a.cycle.Every
	}
	return 0
}

// cycleJob never fails the scheduler: a failed cycle is logged and retried
// on the next tick.
func (a *App) cycleJob(ctx context.Context) error {
	rep, err := a.mon.RunCycle(ctx)
	switch {
	case errors.Is(err, monitor.ErrCycleRunning):
		a.log.Info("cycle skipped; another run is in progress")
		return nil
	case errors.Is(err, snapshot.ErrLocked):
		a.log.Warn("cycle skipped; snapshot is locked by another process")
		return nil
	case err != nil:
		a.notify(fmt.Sprintf("STATUS=last cycle failed: %v", err))
		return nil
	}
	a.notify(sdWatchdog)
	a.notify(fmt.Sprintf("STATUS=last cycle %s: %d fetched, %d sent, %d failed",
		time.Now().Format(time.RFC3339), rep.Fetched, rep.Sent, rep.Failed))
	return nil
}

func (a *App) digestJob(ctx context.Context) error {
	if _, err := a.mon.Digest(ctx); err != nil && !errors.Is(err, monitor.ErrCycleRunning) {
		return err
	}
	return nil
}

// disabledDispatcher stands in when a command runs without notifications.
type disabledDispatcher struct{}

func (disabledDispatcher) Send(context.Context, format.Payload) error {
	return &dispatch.DispatchError{Backend: "disabled", Err: errors.New("notifications are disabled for this command")}
}
