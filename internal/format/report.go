package format

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"bugwatch/internal/bugzilla"
)

// statusPriority orders bugs inside a product section; unknown statuses go last.
var statusPriority = map[string]int{
	"IN_PROGRESS":     1,
	"IN_PROGRESS_DEV": 2,
	"CONFIRMED":       3,
	"NEEDS_INFO":      4,
	"UNCONFIRMED":     5,
	"REOPENED":        6,
	"RESOLVED":        7,
}

func priority(status string) int {
	if p, ok := statusPriority[strings.ToUpper(strings.TrimSpace(status))]; ok {
		return p
	}
	return 999
}

// ProductGroup is one product section of a report.
type ProductGroup struct {
	Product string
	Bugs    []bugzilla.Bug
}

// GroupByProduct groups bugs by product. Products named in order come first
// (in that order), the rest follow alphabetically. Inside a group bugs are
// sorted by status priority, then by ID.
func GroupByProduct(bugs []bugzilla.Bug, order []string) []ProductGroup {
	by := map[string][]bugzilla.Bug{}
	for _, b := range bugs {
		p := orNA(b.Product)
		by[p] = append(by[p], b)
	}

	var names []string
	used := map[string]bool{}
	for _, p := range order {
		if _, ok := by[p]; ok && !used[p] {
			names = append(names, p)
			used[p] = true
		}
	}
	var rest []string
	for p := range by {
		if !used[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	out := make([]ProductGroup, 0, len(names))
	for _, p := range names {
		list := by[p]
		sort.SliceStable(list, func(i, j int) bool {
			pi, pj := priority(list[i].Status), priority(list[j].Status)
			if pi != pj {
				return pi < pj
			}
			return lessID(list[i].ID, list[j].ID)
		})
		out = append(out, ProductGroup{Product: p, Bugs: list})
	}
	return out
}

// WriteSegments prints the segmented console report used by `bugwatch list`.
// Empty segments are skipped.
func (f Formatter) WriteSegments(w io.Writer, segs []bugzilla.Segment, productOrder []string) error {
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)
	for _, s := range segs {
		if len(s.Bugs) == 0 {
			continue
		}
		name := "All Bugs"
		if s.Role != "" {
			name = s.Role.Label() + " Segment"
		}
		if _, err := fmt.Fprintf(w, "\n%s\n%s - %d bug(s):\n%s\n\n", rule, name, len(s.Bugs), rule); err != nil {
			return err
		}
		for _, g := range GroupByProduct(s.Bugs, productOrder) {
			if _, err := fmt.Fprintf(w, "%s - %d bug(s) (sorted by status):\n%s\n", g.Product, len(g.Bugs), thin); err != nil {
				return err
			}
			for _, b := range g.Bugs {
				if _, err := fmt.Fprintf(w, "  • %s - %s\n", f.Link(b.ID), orNA(b.Status)); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s\n", rule); err != nil {
			return err
		}
	}
	return nil
}
