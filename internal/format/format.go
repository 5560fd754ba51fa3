// Package format renders chat messages and console reports. Everything here
// is pure: no I/O except the io.Writer handed to WriteSegments.
package format

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/detect"
)

// Placeholder replaces missing fields.
const Placeholder = "N/A"

// ChatTextLimit is the Google Chat cap on message text.
const ChatTextLimit = 4096

// Payload is the webhook message body.
type Payload struct {
	Text string `json:"text"`
}

// Formatter renders events. BaseURL is the tracker web root used for deep links.
type Formatter struct {
	BaseURL string
}

func New(baseURL string) Formatter {
	return Formatter{BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// Link returns the deep link for a bug.
func (f Formatter) Link(id string) string {
	return f.BaseURL + "/show_bug.cgi?id=" + orNA(id)
}

// Render builds the notification for one event:
//
//	🐞 *Bug Status Changed: #42*
//	*Summary:* Login fails
//	*Status:* CONFIRMED → RESOLVED | *Product:* Bizom Web | *Component:* Auth
//	🔗 https://bugzilla.example.com/show_bug.cgi?id=42
func (f Formatter) Render(ev detect.Event) Payload {
	b := ev.Bug
	id := ev.BugID
	if id == "" {
		id = b.ID
	}
	newStatus := ev.NewStatus
	if newStatus == "" {
		newStatus = b.Status
	}

	var title, status string
	switch ev.Kind {
	case detect.StatusChanged:
		title = "🐞 *Bug Status Changed: #" + orNA(id) + "*"
		status = orNA(ev.OldStatus) + " → " + orNA(newStatus)
	default:
		title = "🆕 *New Bug: #" + orNA(id) + "*"
		status = "NEW (" + orNA(newStatus) + ")"
	}

	head := title + "\n*Summary:* "
	tail := "\n*Status:* " + status +
		" | *Product:* " + orNA(b.Product) +
		" | *Component:* " + orNA(b.Component) +
		"\n🔗 " + f.Link(id)

	// The summary is the only free-text field; it gives way so the link survives.
	budget := ChatTextLimit - utf8.RuneCountInString(head) - utf8.RuneCountInString(tail)
	return Payload{Text: head + truncate(orNA(b.Summary), budget) + tail}
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 1 {
		return "…"
	}
	r := []rune(s)
	return strings.TrimRightFunc(string(r[:n-1]), unicode.IsSpace) + "…"
}

// RenderDigest builds the full bug list message, sorted by ID and numbered.
// It returns an empty payload when bugs is empty.
func (f Formatter) RenderDigest(bugs []bugzilla.Bug) Payload {
	if len(bugs) == 0 {
		return Payload{}
	}
	sorted := append([]bugzilla.Bug(nil), bugs...)
	sort.SliceStable(sorted, func(i, j int) bool { return lessID(sorted[i].ID, sorted[j].ID) })

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 *Bug List - %d bug(s) found*\n", len(sorted))
	for i, b := range sorted {
		fmt.Fprintf(&sb, "\n%d. %s - %s", i+1, f.Link(b.ID), orNA(b.Status))
	}
	return Payload{Text: sb.String()}
}

// lessID orders numeric IDs numerically and everything else lexically after them.
func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}
