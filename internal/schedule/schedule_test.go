package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "bugwatch/pkg/logx"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/30 * * * *", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 10 * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "duration", raw: "55m", kind: KindInterval, source: "duration", duration: 55 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:01:00", kind: KindInterval, source: "hhmm", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "00:00", "01:75", "cron:", "interval:"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestCronExpr(t *testing.T) {
	t.Parallel()
	if got := Every(time.Hour).CronExpr(); got != "@every 1h0m0s" {
		t.Fatalf("CronExpr = %q", got)
	}
	sp, _ := Parse("0 10 * * *")
	if sp.CronExpr() != "0 10 * * *" {
		t.Fatalf("CronExpr = %q", sp.CronExpr())
	}
}

func TestAddRejectsBadCronAndDuplicates(t *testing.T) {
	t.Parallel()
	s := New("", logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.Add("bad", Spec{Kind: KindCron, Cron: "61 * * * *"}, 0, job); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if err := s.Add("cycle", Every(time.Hour), 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("cycle", Every(time.Hour), 0, job); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	t.Parallel()
	if loc := New("Mars/Olympus_Mons", logx.Nop()).Location(); loc != time.Local {
		t.Fatalf("Location = %v", loc)
	}
	if loc := New("UTC", logx.Nop()).Location(); loc.String() != "UTC" {
		t.Fatalf("Location = %v", loc)
	}
}

func TestRunFiresJobsUntilCancelled(t *testing.T) {
	t.Parallel()
	s := New("UTC", logx.Nop())
	var runs atomic.Int32
	if err := s.Add("tick", Every(time.Second), time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if next := s.Next("tick"); next.IsZero() {
		t.Fatal("Next is zero while running")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
