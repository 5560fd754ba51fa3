package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bugwatch/pkg/logx"
)

// fileStore keeps the state in a single JSON document:
//
//	{
//	  "1234": {"status": "CONFIRMED", "notified_at": "2024-05-01T10:00:00Z"},
//	  "_meta": {"clean_since": "2024-05-01T09:00:00Z"}
//	}
//
// Save writes <path>.tmp in the same directory, fsyncs it and renames it over
// <path>, so a crash leaves either the old or the new document on disk.
type fileStore struct {
	log logx.Logger

	path        string
	lockPath    string
	lockTimeout time.Duration

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := filepath.Clean(strings.TrimSpace(cfg.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:         log,
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: cfg.LockTimeout,
	}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{Bugs: Snapshot{}}, nil
	}
	if err != nil {
		return State{}, &PersistError{Op: "load", Path: s.path, Err: err}
	}
	st, err := decode(b)
	if err != nil {
		return State{}, &PersistError{Op: "load", Path: s.path, Err: err}
	}
	return st, nil
}

func (s *fileStore) Save(_ context.Context, st State) error {
	b, err := encode(st)
	if err != nil {
		return &PersistError{Op: "save", Path: s.path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path, b); err != nil {
		return &PersistError{Op: "save", Path: s.path, Err: err}
	}
	s.log.Debug("snapshot saved", logx.String("path", s.path), logx.Int("bugs", len(st.Bugs)))
	return nil
}

// Lock takes the advisory lock on <path>.lock, polling until LockTimeout.
func (s *fileStore) Lock(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		unlock, err := tryLock(s.lockPath)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, &PersistError{Op: "lock", Path: s.lockPath, Err: err}
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// metaKey holds the watermark. It cannot collide with a numeric bug ID.
const metaKey = "_meta"

type fileMeta struct {
	CleanSince time.Time `json:"clean_since"`
}

// encode produces stable bytes: encoding/json sorts map keys.
func encode(st State) ([]byte, error) {
	doc := make(map[string]any, len(st.Bugs)+1)
	for id, e := range st.Bugs {
		doc[id] = e
	}
	if !st.CleanSince.IsZero() {
		doc[metaKey] = fileMeta{CleanSince: st.CleanSince.UTC()}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decode(b []byte) (State, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return State{Bugs: Snapshot{}}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return State{}, fmt.Errorf("corrupt snapshot: %w", err)
	}
	st := State{Bugs: make(Snapshot, len(raw))}
	for id, v := range raw {
		v = bytes.TrimSpace(v)
		if id == metaKey {
			var m fileMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return State{}, fmt.Errorf("corrupt snapshot meta: %w", err)
			}
			st.CleanSince = m.CleanSince
			continue
		}
		// Older state files store the bare status string.
		if len(v) > 0 && v[0] == '"' {
			var status string
			if err := json.Unmarshal(v, &status); err != nil {
				return State{}, fmt.Errorf("corrupt snapshot entry %q: %w", id, err)
			}
			st.Bugs[id] = Entry{Status: status}
			continue
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return State{}, fmt.Errorf("corrupt snapshot entry %q: %w", id, err)
		}
		st.Bugs[id] = e
	}
	return st, nil
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir makes the rename durable. Best effort: not every platform supports
// fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
