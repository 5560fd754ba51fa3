// Package detect compares a fetched bug list against the snapshot of what
// was already notified.
package detect

import (
	"time"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/snapshot"
)

type Kind int

const (
	New Kind = iota + 1
	StatusChanged
)

func (k Kind) String() string {
	switch k {
	case New:
		return "new"
	case StatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// Event is one pending notification. OldStatus is empty for New.
type Event struct {
	BugID     string
	Kind      Kind
	OldStatus string
	NewStatus string
	Bug       bugzilla.Bug
}

// Diff classifies every bug in current against snap.
//
//   - absent from snap: New
//   - present with another status: StatusChanged
//   - present with the same status: no event
//
// Snapshot entries missing from current are ignored. Events keep the order of
// current; a repeated ID only yields an event for its first occurrence.
func Diff(current []bugzilla.Bug, snap snapshot.Snapshot) []Event {
	var out []Event
	seen := make(map[string]struct{}, len(current))
	for _, b := range current {
		if b.ID == "" {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}

		prev, ok := snap[b.ID]
		switch {
		case !ok:
			out = append(out, Event{BugID: b.ID, Kind: New, NewStatus: b.Status, Bug: b})
		case prev.Status != b.Status:
			out = append(out, Event{BugID: b.ID, Kind: StatusChanged, OldStatus: prev.Status, NewStatus: b.Status, Bug: b})
		}
	}
	return out
}

// Commit records ev as notified at the given time.
func Commit(snap snapshot.Snapshot, ev Event, at time.Time) {
	snap[ev.BugID] = snapshot.Entry{Status: ev.NewStatus, NotifiedAt: at.UTC()}
}
