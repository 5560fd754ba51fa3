package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrLocked is returned by Locker.Lock when another process holds the lock
// and the lock timeout elapsed.
var ErrLocked = errors.New("snapshot: locked by another process")

// Entry is the last notified state of one bug.
type Entry struct {
	Status     string    `json:"status"`
	NotifiedAt time.Time `json:"notified_at"`
}

// Snapshot maps bug ID to the last status that was successfully notified.
// Every key present was notified at least once with that status.
type Snapshot map[string]Entry

// Clone returns a copy that can be mutated without touching s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// IDs returns the bug IDs in stable order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for k := range s {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// State is everything a Store persists in one commit.
type State struct {
	Bugs Snapshot
	// CleanSince is the start of the last cycle that fetched and delivered
	// everything. Zero when unknown (never recorded, or a legacy state file).
	CleanSince time.Time
}

// Store persists a State.
//
// Load returns an empty state when nothing was saved yet. Save replaces
// the stored state as a whole and only after the write fully succeeded.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
}

// Locker is implemented by stores that support cross-process exclusion.
// The returned func releases the lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Config configures the store.
//
// Driver values:
//   - "file": JSON document replaced atomically (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	LockTimeout time.Duration // 0 means fail immediately when locked
}

// PersistError wraps a failed load or save.
type PersistError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	if e == nil {
		return "snapshot persist error"
	}
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError reports whether err is (or wraps) a PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
