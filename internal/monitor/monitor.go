// Package monitor runs the fetch → diff → format → send → commit cycle.
package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/detect"
	"bugwatch/internal/dispatch"
	"bugwatch/internal/format"
	"bugwatch/internal/snapshot"
	logx "bugwatch/pkg/logx"
)

// ErrCycleRunning is returned when a cycle is requested while another one is
// still in progress.
var ErrCycleRunning = errors.New("monitor: cycle already running")

// State of the controller.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Source fetches the filtered bug list.
type Source interface {
	Fetch(ctx context.Context, q bugzilla.Query) ([]bugzilla.Bug, error)
}

// Options controls the query window.
type Options struct {
	// InitialLookback is used while the snapshot is empty.
	InitialLookback time.Duration
	// Window is used otherwise.
	Window time.Duration
	// Since pins the window start when non-zero.
	Since time.Time

	// ChunkLimit caps the text of one digest message (runes).
	ChunkLimit int

	Now func() time.Time
}

// Report summarizes one cycle.
type Report struct {
	CycleID  string
	Since    time.Time
	Fetched  int
	New      int
	Changed  int
	Sent     int
	Failed   int
	Saved    bool
	Duration time.Duration
}

// Controller owns the cycle state machine. Only one cycle runs at a time;
// cross-process exclusion comes from the store's Locker, when it has one.
type Controller struct {
	src   Source
	store snapshot.Store
	disp  dispatch.Dispatcher
	fmt   format.Formatter
	opts  Options
	log   logx.Logger

	state atomic.Int32
}

func New(src Source, store snapshot.Store, disp dispatch.Dispatcher, f format.Formatter, opts Options, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InitialLookback <= 0 {
		opts.InitialLookback = 30 * 24 * time.Hour
	}
	if opts.Window <= 0 {
		opts.Window = 2 * time.Hour
	}
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = format.ChatTextLimit
	}
	return &Controller{src: src, store: store, disp: disp, fmt: f, opts: opts, log: log}
}

// State reports whether a cycle is in progress.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) begin() bool {
	return c.state.CompareAndSwap(int32(Idle), int32(Running))
}

func (c *Controller) end() { c.state.Store(int32(Idle)) }

// RunCycle executes one full cycle.
//
// A fetch failure aborts before anything is mutated. A failed delivery skips
// that event only; it stays out of the snapshot and is retried next cycle.
// The snapshot is saved once, at the end, when at least one event was
// delivered or the clean-cycle watermark moved.
func (c *Controller) RunCycle(ctx context.Context) (rep Report, err error) {
	if !c.begin() {
		return Report{}, ErrCycleRunning
	}
	defer c.end()

	start := c.opts.Now()
	rep.CycleID = uuid.NewString()
	log := c.log.With(logx.String("cycle", rep.CycleID))
	defer func() { rep.Duration = time.Since(start) }()

	unlock, err := c.lock(ctx)
	if err != nil {
		log.Warn("snapshot lock failed; skipping cycle", logx.Err(err))
		return rep, err
	}
	defer unlock()

	st, err := c.store.Load(ctx)
	if err != nil {
		log.Error("snapshot load failed; skipping cycle", logx.Err(err))
		return rep, err
	}

	rep.Since = c.since(start, st)
	bugs, err := c.src.Fetch(ctx, bugzilla.Query{Since: rep.Since})
	if err != nil {
		log.Warn("fetch failed; skipping cycle", logx.Time("since", rep.Since), logx.Err(err))
		return rep, err
	}
	rep.Fetched = len(bugs)

	events := detect.Diff(bugs, st.Bugs)
	for _, ev := range events {
		switch ev.Kind {
		case detect.New:
			rep.New++
		case detect.StatusChanged:
			rep.Changed++
		}
	}

	next := snapshot.State{Bugs: st.Bugs.Clone(), CleanSince: st.CleanSince}
	for i, ev := range events {
		if ctx.Err() != nil {
			rep.Failed += len(events) - i
			log.Warn("cycle cancelled; remaining events deferred", logx.Int("remaining", len(events)-i))
			break
		}

		if err := c.disp.Send(ctx, c.fmt.Render(ev)); err != nil {
			rep.Failed++
			log.Warn("notification failed; will retry next cycle",
				logx.String("bug", ev.BugID),
				logx.String("kind", ev.Kind.String()),
				logx.Err(err),
			)
			continue
		}
		detect.Commit(next.Bugs, ev, c.opts.Now())
		rep.Sent++
		log.Info("notified",
			logx.String("bug", ev.BugID),
			logx.String("kind", ev.Kind.String()),
			logx.String("old", ev.OldStatus),
			logx.String("new", ev.NewStatus),
		)
	}

	// Every change up to start is now in the snapshot; later cycles never
	// need to look further back than that.
	if rep.Failed == 0 {
		next.CleanSince = start.UTC()
	}

	if rep.Sent > 0 || !next.CleanSince.Equal(st.CleanSince) {
		// Delivered messages must be recorded even when shutting down.
		if err := c.store.Save(context.WithoutCancel(ctx), next); err != nil {
			log.Error("snapshot save failed; delivered notifications may repeat next cycle",
				logx.Int("sent", rep.Sent),
				logx.Err(err),
			)
			return rep, err
		}
		rep.Saved = true
	}

	log.Info("cycle done",
		logx.Time("since", rep.Since),
		logx.Int("fetched", rep.Fetched),
		logx.Int("new", rep.New),
		logx.Int("changed", rep.Changed),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(start)),
	)
	return rep, nil
}

// since picks the last_change_time for this cycle.
//
// A pinned start always wins. An empty snapshot, or one without a recorded
// watermark, looks back InitialLookback. Otherwise the window is Window,
// widened back to the stored start of the last clean cycle so changes missed
// by failed cycles, downtime or restarts are fetched again.
func (c *Controller) since(now time.Time, st snapshot.State) time.Time {
	if !c.opts.Since.IsZero() {
		return c.opts.Since
	}
	if len(st.Bugs) == 0 || st.CleanSince.IsZero() {
		return now.Add(-c.opts.InitialLookback)
	}
	s := now.Add(-c.opts.Window)
	if st.CleanSince.Before(s) {
		s = st.CleanSince
	}
	return s
}

func (c *Controller) lock(ctx context.Context) (func(), error) {
	l, ok := c.store.(snapshot.Locker)
	if !ok {
		return func() {}, nil
	}
	return l.Lock(ctx)
}
