package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bugwatch/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the config file and .env file while the monitor runs in
// loop mode. The running process never applies a new configuration (filters
// are fixed for the process lifetime); instead the watcher reports which
// sections drifted so the operator knows a restart is pending.
type Watcher struct {
	opts LoadOptions
	log  logx.Logger

	mu       sync.Mutex
	current  *Config
	lastHash uint64

	// onDrift is invoked after a changed, valid config is detected. Tests hook it.
	onDrift func(changed []string)
}

func NewWatcher(opts LoadOptions, current *Config, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{opts: opts, log: log, current: current, lastHash: hashConfig(current)}
}

// Files returns the files being watched (absolute, deduplicated).
func (w *Watcher) Files() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 2)
	for _, p := range []string{w.opts.ConfigPath, w.opts.EnvFile} {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// check reloads the configuration and reports drift. It returns the changed sections.
func (w *Watcher) check() []string {
	cfg, err := Load(w.opts)
	if err != nil {
		w.log.Warn("config on disk is invalid; the running process keeps its startup config", logx.Err(err))
		return nil
	}
	h := hashConfig(cfg)

	w.mu.Lock()
	if h != 0 && h == w.lastHash {
		w.mu.Unlock()
		w.log.Debug("config unchanged")
		return nil
	}
	prev := w.current
	w.lastHash = h
	w.mu.Unlock()

	changed, attrs := SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return nil
	}
	fields := append([]logx.Field{logx.Strs("sections", changed)}, attrs...)
	w.log.Warn("config changed on disk; restart bugwatch to apply", fields...)
	if w.onDrift != nil {
		w.onDrift(changed)
	}
	return changed
}

// Watch blocks until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	files := w.Files()
	if len(files) == 0 {
		<-ctx.Done()
		return nil
	}
	names := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, f := range files {
		names[strings.ToLower(filepath.Base(f))] = struct{}{}
		dirs[filepath.Dir(f)] = struct{}{}
	}

	// When fsnotify gets into a bad state (editors replacing files, overflow),
	// the watcher may stop delivering events or close its channels.
	// Self-heal by recreating the watcher with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { w.check() })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			for d := range dirs {
				if err = fw.Add(d); err != nil {
					_ = fw.Close()
					break
				}
			}
		}
		if err != nil {
			w.log.Warn("config watch init failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		w.log.Debug("config watcher started", logx.Strs("files", files))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if _, watched := names[strings.ToLower(filepath.Base(ev.Name))]; !watched {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.log.Warn("config watch overflow; forcing check", logx.Err(err))
					debounce()
					continue
				}
				w.log.Warn("config watch error", logx.Err(err))
			}
		}

		_ = fw.Close()
		wait := nextWait()
		w.log.Warn("config watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
