package monitor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/dispatch"
	"bugwatch/internal/format"
	"bugwatch/internal/snapshot"
	logx "bugwatch/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	bugs    []bugzilla.Bug
	err     error
	queries []bugzilla.Query
	block   chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context, q bugzilla.Query) ([]bugzilla.Bug, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	// Mirrors last_change_time: bugs without a change time always match.
	var out []bugzilla.Bug
	for _, b := range f.bugs {
		if !b.LastChangeTime.IsZero() && b.LastChangeTime.Before(q.Since) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeSource) set(bugs ...bugzilla.Bug) {
	f.mu.Lock()
	f.bugs = bugs
	f.mu.Unlock()
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool // substring of text -> fail
}

func (d *fakeDispatcher) Send(ctx context.Context, p format.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.fail {
		if v && strings.Contains(p.Text, k) {
			return &dispatch.DispatchError{Backend: "fake", StatusCode: 500, Err: errors.New("boom")}
		}
	}
	d.sent = append(d.sent, p.Text)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// failingSave wraps a store and fails Save while broken is set.
type failingSave struct {
	snapshot.Store
	broken bool
}

func (f *failingSave) Save(ctx context.Context, s snapshot.State) error {
	if f.broken {
		return &snapshot.PersistError{Op: "save", Path: "test", Err: errors.New("disk full")}
	}
	return f.Store.Save(ctx, s)
}

func newStore(t *testing.T) (snapshot.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bug_state.json")
	st, err := snapshot.Open(snapshot.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return st, path
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newController(src Source, st snapshot.Store, d dispatch.Dispatcher) *Controller {
	return New(src, st, d, format.New("https://bugs.example.com"), Options{
		InitialLookback: 720 * time.Hour,
		Window:          2 * time.Hour,
		Now:             func() time.Time { return fixedNow },
	}, logx.Nop())
}

func b(id, status string) bugzilla.Bug {
	return bugzilla.Bug{ID: id, Status: status, Product: "Bizom Web", Summary: "bug " + id}
}

func TestFirstCycleNotifiesNewBug(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	src := &fakeSource{bugs: []bugzilla.Bug{b("BUG-1", "NEW")}}
	d := &fakeDispatcher{}
	c := newController(src, st, d)

	rep, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.New != 1 || rep.Sent != 1 || !rep.Saved || rep.CycleID == "" {
		t.Fatalf("report = %+v", rep)
	}
	if d.count() != 1 || !strings.Contains(d.sent[0], "#BUG-1") {
		t.Fatalf("sent = %q", d.sent)
	}
	state, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	snap := state.Bugs
	if len(snap) != 1 || snap["BUG-1"].Status != "NEW" || !snap["BUG-1"].NotifiedAt.Equal(fixedNow) {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := src.queries[0].Since; !got.Equal(fixedNow.Add(-720 * time.Hour)) {
		t.Fatalf("initial since = %v", got)
	}
}

func TestSecondCycleIsQuiet(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	src := &fakeSource{bugs: []bugzilla.Bug{b("1", "NEW"), b("2", "CONFIRMED")}}
	d := &fakeDispatcher{}
	c := newController(src, st, d)

	for i := 0; i < 2; i++ {
		if _, err := c.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if d.count() != 2 {
		t.Fatalf("sent %d messages, want 2", d.count())
	}
	if got := src.queries[1].Since; !got.Equal(fixedNow.Add(-2 * time.Hour)) {
		t.Fatalf("second since = %v", got)
	}
}

func TestStatusChangeCommittedOnlyAfterDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	if err := st.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{"BUG-1": {Status: "NEW"}}}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{bugs: []bugzilla.Bug{b("BUG-1", "RESOLVED")}}
	d := &fakeDispatcher{fail: map[string]bool{"BUG-1": true}}
	c := newController(src, st, d)

	rep, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Changed != 1 || rep.Failed != 1 || rep.Saved {
		t.Fatalf("report = %+v", rep)
	}
	state, _ := st.Load(ctx)
	if state.Bugs["BUG-1"].Status != "NEW" {
		t.Fatalf("status committed without delivery: %+v", state.Bugs)
	}

	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	if _, err := c.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	state, _ = st.Load(ctx)
	if state.Bugs["BUG-1"].Status != "RESOLVED" {
		t.Fatalf("status after retry = %+v", state.Bugs)
	}
	if d.count() != 1 || !strings.Contains(d.sent[0], "NEW → RESOLVED") {
		t.Fatalf("sent = %q", d.sent)
	}
}

func TestOneFailedDeliveryDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	src := &fakeSource{bugs: []bugzilla.Bug{b("1", "NEW"), b("2", "NEW"), b("3", "NEW")}}
	d := &fakeDispatcher{fail: map[string]bool{"#2*": true}}
	c := newController(src, st, d)

	rep, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	state, _ := st.Load(ctx)
	if _, ok := state.Bugs["2"]; ok || len(state.Bugs) != 2 {
		t.Fatalf("snapshot = %v", state.Bugs.IDs())
	}
	if !state.CleanSince.IsZero() {
		t.Fatalf("watermark advanced past a failed delivery: %v", state.CleanSince)
	}
}

func TestFetchFailureLeavesSnapshotUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, path := newStore(t)
	if err := st.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{"1": {Status: "NEW", NotifiedAt: fixedNow}}, CleanSince: fixedNow}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	srcErr := &bugzilla.SourceUnavailableError{URL: "https://bugs.example.com/rest/bug", Err: errors.New("connection refused")}
	d := &fakeDispatcher{}
	c := newController(&fakeSource{err: srcErr}, st, d)

	_, err = c.RunCycle(ctx)
	if !bugzilla.IsSourceUnavailable(err) {
		t.Fatalf("expected SourceUnavailable, got %v", err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Fatalf("snapshot changed after fetch failure")
	}
	if d.count() != 0 {
		t.Fatalf("sent %d messages", d.count())
	}
	if c.State() != Idle {
		t.Fatalf("state = %v", c.State())
	}
}

func controllerAt(src Source, st snapshot.Store, d dispatch.Dispatcher, now time.Time) *Controller {
	return New(src, st, d, format.New("https://bugs.example.com"), Options{
		InitialLookback: 720 * time.Hour,
		Window:          2 * time.Hour,
		Now:             func() time.Time { return now },
	}, logx.Nop())
}

func changed(id, status string, at time.Time) bugzilla.Bug {
	bug := b(id, status)
	bug.LastChangeTime = at
	return bug
}

func TestCrashBeforeSaveRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner, _ := newStore(t)
	if err := inner.Save(ctx, snapshot.State{
		Bugs:       snapshot.Snapshot{"A": {Status: "NEW"}},
		CleanSince: fixedNow.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	st := &failingSave{Store: inner, broken: true}
	src := &fakeSource{bugs: []bugzilla.Bug{
		changed("A", "NEW", fixedNow.Add(-24*time.Hour)),
		changed("E", "CONFIRMED", fixedNow.Add(-10*time.Minute)),
	}}
	d := &fakeDispatcher{}

	_, err := controllerAt(src, st, d, fixedNow).RunCycle(ctx)
	if !snapshot.IsPersistError(err) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("first run sent %d", d.count())
	}

	// Fresh process, working disk, well past the query window.
	st.broken = false
	later := fixedNow.Add(6 * time.Hour)
	rep, err := controllerAt(src, st, d, later).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := fixedNow.Add(-time.Hour); !rep.Since.Equal(want) {
		t.Fatalf("since = %v, want stored watermark %v", rep.Since, want)
	}
	if d.count() != 2 {
		t.Fatalf("event was not delivered again: sent %d", d.count())
	}
}

func TestFailedDeliveryRetriedAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	lastClean := fixedNow.Add(-30 * time.Minute)
	if err := st.Save(ctx, snapshot.State{
		Bugs:       snapshot.Snapshot{"1": {Status: "NEW"}},
		CleanSince: lastClean,
	}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{bugs: []bugzilla.Bug{
		changed("1", "NEW", fixedNow.Add(-48*time.Hour)),
		changed("2", "CONFIRMED", fixedNow.Add(-10*time.Minute)),
	}}
	d := &fakeDispatcher{fail: map[string]bool{"#2*": true}}

	rep, err := controllerAt(src, st, d, fixedNow).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.New != 1 || rep.Failed != 1 || rep.Saved {
		t.Fatalf("first report = %+v", rep)
	}

	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()

	// New process three hours later: the plain window would start at 13:00
	// and miss bug 2.
	later := fixedNow.Add(3 * time.Hour)
	rep, err = controllerAt(src, st, d, later).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Since.Equal(lastClean) {
		t.Fatalf("since = %v, want stored watermark %v", rep.Since, lastClean)
	}
	if rep.Sent != 1 || d.count() != 1 {
		t.Fatalf("after restart: fetched=%d sent=%d", rep.Fetched, rep.Sent)
	}
	state, _ := st.Load(ctx)
	if state.Bugs["2"].Status != "CONFIRMED" {
		t.Fatalf("bug 2 not recorded: %+v", state.Bugs)
	}
	if !state.CleanSince.Equal(later) {
		t.Fatalf("watermark = %v, want %v", state.CleanSince, later)
	}
}

func TestQuietCycleAdvancesStoredWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	src := &fakeSource{bugs: []bugzilla.Bug{changed("1", "NEW", fixedNow.Add(-time.Hour))}}
	d := &fakeDispatcher{}

	if _, err := controllerAt(src, st, d, fixedNow).RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	second := fixedNow.Add(time.Hour)
	rep, err := controllerAt(src, st, d, second).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 0 || !rep.Saved {
		t.Fatalf("quiet cycle report = %+v", rep)
	}

	// A bug changed while the host was down for a day is still fetched.
	src.set(changed("1", "NEW", fixedNow.Add(-time.Hour)), changed("3", "NEW", second.Add(time.Minute)))
	third := second.Add(24 * time.Hour)
	rep, err = controllerAt(src, st, d, third).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Since.Equal(second) || rep.New != 1 || rep.Sent != 1 {
		t.Fatalf("after downtime: %+v", rep)
	}
}

func TestLegacyStateWithoutWatermarkLooksBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	if err := st.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{"1": {Status: "NEW"}}}); err != nil {
		t.Fatal(err)
	}
	rep, err := controllerAt(&fakeSource{}, st, &fakeDispatcher{}, fixedNow).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := fixedNow.Add(-720 * time.Hour); !rep.Since.Equal(want) {
		t.Fatalf("since = %v, want %v", rep.Since, want)
	}
}

type cancellingDispatcher struct {
	cancel context.CancelFunc
	sent   int
}

func (d *cancellingDispatcher) Send(ctx context.Context, p format.Payload) error {
	d.sent++
	d.cancel()
	return nil
}

func TestCancelledCycleCountsEveryEvent(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, _ := newStore(t)
	if err := st.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{"3": {Status: "NEW"}}}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{bugs: []bugzilla.Bug{b("1", "NEW"), b("2", "NEW"), b("3", "RESOLVED")}}
	d := &cancellingDispatcher{cancel: cancel}

	rep, err := newController(src, st, d).RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.New != 2 || rep.Changed != 1 || rep.Sent != 1 || rep.Failed != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Sent+rep.Failed != rep.New+rep.Changed {
		t.Fatalf("report does not add up: %+v", rep)
	}
	if !rep.Saved {
		t.Fatal("delivered event was not saved")
	}
}

func TestWindowWidensAfterFailedCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	if err := st.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{"1": {Status: "NEW"}}}); err != nil {
		t.Fatal(err)
	}
	now := fixedNow
	src := &fakeSource{}
	c := New(src, st, &fakeDispatcher{}, format.New("https://b"), Options{
		Window: time.Hour,
		Now:    func() time.Time { return now },
	}, logx.Nop())

	if _, err := c.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	cleanStart := now

	src.err = errors.New("down")
	now = now.Add(time.Hour)
	_, _ = c.RunCycle(ctx)
	now = now.Add(time.Hour)
	_, _ = c.RunCycle(ctx)

	src.err = nil
	now = now.Add(time.Hour)
	rep, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Since.Equal(cleanStart) {
		t.Fatalf("since = %v, want last clean start %v", rep.Since, cleanStart)
	}

	now = now.Add(time.Hour)
	rep, _ = c.RunCycle(ctx)
	if !rep.Since.Equal(now.Add(-time.Hour)) {
		t.Fatalf("since after recovery = %v", rep.Since)
	}
}

func TestPinnedSince(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	pin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	c := New(src, st, &fakeDispatcher{}, format.New("https://b"), Options{Since: pin}, logx.Nop())
	rep, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Since.Equal(pin) {
		t.Fatalf("since = %v", rep.Since)
	}
}

func TestConcurrentCycleRejected(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	src := &fakeSource{block: make(chan struct{})}
	c := newController(src, st, &fakeDispatcher{})

	done := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != Running {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("second RunCycle: got %v, want ErrCycleRunning", err)
	}
	close(src.block)
	if err := <-done; err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
}

func TestDigestDoesNotTouchSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, path := newStore(t)
	src := &fakeSource{}
	var bugs []bugzilla.Bug
	for i := 1; i <= 200; i++ {
		bugs = append(bugs, b(strconv.Itoa(i), "CONFIRMED"))
	}
	src.set(bugs...)
	d := &fakeDispatcher{}
	c := New(src, st, d, format.New("https://bugs.example.com"), Options{ChunkLimit: 1000}, logx.Nop())

	n, err := c.Digest(ctx)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if n != len(bugs) {
		t.Fatalf("listed %d bugs", n)
	}
	if d.count() < 2 {
		t.Fatalf("expected a chunked digest, got %d message(s)", d.count())
	}
	for _, m := range d.sent {
		if len([]rune(m)) > 1000 {
			t.Fatalf("chunk exceeds limit: %d runes", len([]rune(m)))
		}
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("digest wrote the snapshot: %v", err)
	}
}

func TestResetEmptiesSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)
	if err := st.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{"1": {Status: "NEW"}}}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{bugs: []bugzilla.Bug{b("1", "NEW")}}
	d := &fakeDispatcher{}
	c := newController(src, st, d)

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	state, _ := st.Load(ctx)
	if len(state.Bugs) != 0 || !state.CleanSince.IsZero() {
		t.Fatalf("state after reset = %+v", state)
	}
	if _, err := c.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if d.count() != 1 {
		t.Fatalf("bug was not re-announced after reset")
	}
}
