package format

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/detect"
)

func TestRenderStatusChanged(t *testing.T) {
	t.Parallel()
	f := New("https://bugs.example.com/")
	ev := detect.Event{
		BugID: "42", Kind: detect.StatusChanged, OldStatus: "CONFIRMED", NewStatus: "RESOLVED",
		Bug: bugzilla.Bug{ID: "42", Status: "RESOLVED", Product: "Bizom Web", Component: "Auth", Summary: "Login fails"},
	}
	want := "🐞 *Bug Status Changed: #42*\n" +
		"*Summary:* Login fails\n" +
		"*Status:* CONFIRMED → RESOLVED | *Product:* Bizom Web | *Component:* Auth\n" +
		"🔗 https://bugs.example.com/show_bug.cgi?id=42"
	if got := f.Render(ev).Text; got != want {
		t.Fatalf("Render =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderNewWithMissingFields(t *testing.T) {
	t.Parallel()
	f := New("https://bugs.example.com")
	ev := detect.Event{BugID: "7", Kind: detect.New, NewStatus: "UNCONFIRMED", Bug: bugzilla.Bug{ID: "7"}}
	got := f.Render(ev).Text
	for _, part := range []string{
		"#7",
		"NEW (UNCONFIRMED)",
		"*Summary:* N/A",
		"*Product:* N/A",
		"*Component:* N/A",
		"https://bugs.example.com/show_bug.cgi?id=7",
	} {
		if !strings.Contains(got, part) {
			t.Fatalf("Render missing %q:\n%s", part, got)
		}
	}
}

func TestRenderCapsLongSummary(t *testing.T) {
	t.Parallel()
	f := New("https://bugs.example.com")
	tests := []struct {
		name    string
		summary string
		cut     bool
	}{
		{name: "fits", summary: strings.Repeat("a", 100)},
		{name: "ascii", summary: strings.Repeat("a", 2*ChatTextLimit), cut: true},
		{name: "multibyte", summary: strings.Repeat("ü日", ChatTextLimit), cut: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := detect.Event{BugID: "42", Kind: detect.New, NewStatus: "NEW", Bug: bugzilla.Bug{ID: "42", Summary: tt.summary}}
			got := f.Render(ev).Text
			if n := utf8.RuneCountInString(got); n > ChatTextLimit {
				t.Fatalf("text is %d runes, limit %d", n, ChatTextLimit)
			}
			if !utf8.ValidString(got) {
				t.Fatal("text is not valid UTF-8")
			}
			if !strings.HasSuffix(got, "https://bugs.example.com/show_bug.cgi?id=42") {
				t.Fatalf("link lost:\n...%s", got[len(got)-80:])
			}
			if strings.Contains(got, "…") != tt.cut {
				t.Fatalf("ellipsis present = %v, want %v", !tt.cut, tt.cut)
			}
		})
	}
}

func TestPayloadJSONShape(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Payload{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"text":"hi"}` {
		t.Fatalf("payload = %s", b)
	}
}

func TestRenderDigestSortsByNumericID(t *testing.T) {
	t.Parallel()
	f := New("https://b")
	got := f.RenderDigest([]bugzilla.Bug{{ID: "100", Status: "NEW"}, {ID: "9", Status: "RESOLVED"}, {ID: "20"}}).Text
	want := "📋 *Bug List - 3 bug(s) found*\n" +
		"\n1. https://b/show_bug.cgi?id=9 - RESOLVED" +
		"\n2. https://b/show_bug.cgi?id=20 - N/A" +
		"\n3. https://b/show_bug.cgi?id=100 - NEW"
	if got != want {
		t.Fatalf("RenderDigest =\n%s\nwant\n%s", got, want)
	}
	if p := f.RenderDigest(nil); p.Text != "" {
		t.Fatalf("empty digest = %q", p.Text)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	if got := Split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("Split short = %q", got)
	}

	lines := []string{"aaaa", "bbbb", "cccc", "dddd", "eeee"}
	text := strings.Join(lines, "\n")
	got := Split(text, 10)
	if strings.Join(got, "\n") != text {
		t.Fatalf("chunks do not reassemble: %q", got)
	}
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk not cut on a line boundary: %q", c)
		}
	}

	long := strings.Repeat("é", 25)
	got = Split(long, 10)
	if len(got) != 3 || strings.Join(got, "") != long {
		t.Fatalf("Split without newlines = %q", got)
	}
}

func TestGroupByProductOrdering(t *testing.T) {
	t.Parallel()
	bugs := []bugzilla.Bug{
		{ID: "5", Status: "RESOLVED", Product: "Zeta"},
		{ID: "3", Status: "RESOLVED", Product: "Mobile App"},
		{ID: "4", Status: "IN_PROGRESS", Product: "Mobile App"},
		{ID: "2", Status: "WEIRD", Product: "Mobile App"},
		{ID: "1", Status: "CONFIRMED", Product: "Alpha"},
		{ID: "10", Status: "RESOLVED", Product: "Mobile App"},
	}
	got := GroupByProduct(bugs, []string{"Bizom Web", "Mobile App"})

	var products []string
	for _, g := range got {
		products = append(products, g.Product)
	}
	if strings.Join(products, ",") != "Mobile App,Alpha,Zeta" {
		t.Fatalf("products = %v", products)
	}
	var ids []string
	for _, b := range got[0].Bugs {
		ids = append(ids, b.ID)
	}
	if strings.Join(ids, ",") != "4,3,10,2" {
		t.Fatalf("Mobile App order = %v", ids)
	}
}

func TestWriteSegmentsSkipsEmpty(t *testing.T) {
	t.Parallel()
	f := New("https://b")
	segs := []bugzilla.Segment{
		{Role: bugzilla.RoleQAContact},
		{Role: bugzilla.RoleCreator, Bugs: []bugzilla.Bug{{ID: "1", Status: "CONFIRMED", Product: "Bizom Web"}}},
	}
	var buf bytes.Buffer
	if err := f.WriteSegments(&buf, segs, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "QA Contact") {
		t.Fatalf("empty segment printed:\n%s", out)
	}
	for _, part := range []string{"Creator Segment - 1 bug(s):", "Bizom Web - 1 bug(s)", "https://b/show_bug.cgi?id=1 - CONFIRMED"} {
		if !strings.Contains(out, part) {
			t.Fatalf("missing %q in:\n%s", part, out)
		}
	}
}
