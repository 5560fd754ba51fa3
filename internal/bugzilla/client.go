// Package bugzilla is the bug source: a small client for the Bugzilla
// REST bug-search endpoint (GET /rest/bug).
package bugzilla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "bugwatch/pkg/logx"
)

// lastChangeLayout is the timestamp format Bugzilla accepts for last_change_time.
const lastChangeLayout = "2006-01-02T15:04:05Z"

// includeFields limits the response to what the monitor reads.
var includeFields = []string{
	"id", "status", "product", "component", "summary",
	"assigned_to", "creator", "qa_contact", "last_change_time",
}

// maxBodyBytes caps the response body read.
const maxBodyBytes = 32 << 20

type Config struct {
	// URL is the bug-list endpoint (e.g. https://bugzilla.example.com/rest/bug).
	URL     string
	APIKey  string
	Timeout time.Duration
	Filter  Filter
}

// Client fetches filtered bug lists. It is safe for concurrent use but the
// monitor only ever calls it from one goroutine.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

// New validates cfg and returns a client. A nil httpClient uses a dedicated
// client; the per-request timeout is applied through the request context.
func New(cfg Config, httpClient *http.Client, log logx.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("bugzilla: invalid url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: httpClient, log: log}, nil
}

// Fetch returns the filtered bug list.
//
// With an email filter the client runs one query per role and merges the
// results: first occurrence wins, order is preserved, and Bug.Roles collects
// every role that matched. Any failing query fails the whole fetch.
func (c *Client) Fetch(ctx context.Context, q Query) ([]Bug, error) {
	segs, err := c.FetchSegments(ctx, q)
	if err != nil {
		return nil, err
	}
	return Merge(segs), nil
}

// FetchSegments returns one segment per role query (a single segment with an
// empty Role when no email filter is configured).
func (c *Client) FetchSegments(ctx context.Context, q Query) ([]Segment, error) {
	email := strings.TrimSpace(c.cfg.Filter.Email)
	if email == "" {
		bugs, err := c.query(ctx, c.params(q, "", ""))
		if err != nil {
			return nil, err
		}
		return []Segment{{Bugs: bugs}}, nil
	}

	out := make([]Segment, 0, len(Roles))
	for _, role := range Roles {
		bugs, err := c.query(ctx, c.params(q, role, email))
		if err != nil {
			return nil, err
		}
		kept := bugs[:0]
		for _, b := range bugs {
			// Defensive re-filter: drop records that came back under the wrong role.
			if v := b.Email(role); v != "" && !strings.EqualFold(v, email) {
				continue
			}
			b.Roles = []Role{role}
			kept = append(kept, b)
		}
		out = append(out, Segment{Role: role, Bugs: kept})
	}
	return out, nil
}

// Merge flattens segments into one list, deduplicated by bug ID.
func Merge(segs []Segment) []Bug {
	idx := map[string]int{}
	var out []Bug
	for _, s := range segs {
		for _, b := range s.Bugs {
			if i, ok := idx[b.ID]; ok {
				if s.Role != "" {
					out[i].Roles = appendRole(out[i].Roles, s.Role)
				}
				continue
			}
			b.Roles = append([]Role(nil), b.Roles...)
			idx[b.ID] = len(out)
			out = append(out, b)
		}
	}
	return out
}

func appendRole(roles []Role, r Role) []Role {
	for _, x := range roles {
		if x == r {
			return roles
		}
	}
	return append(roles, r)
}

func (c *Client) params(q Query, role Role, email string) url.Values {
	v := url.Values{}
	for _, s := range c.cfg.Filter.Statuses {
		if s = strings.TrimSpace(s); s != "" {
			v.Add("status", s)
		}
	}
	for _, p := range c.cfg.Filter.Products {
		if p = strings.TrimSpace(p); p != "" {
			v.Add("product", p)
		}
	}
	if !q.Since.IsZero() {
		v.Set("last_change_time", q.Since.UTC().Format(lastChangeLayout))
	}
	if role != "" {
		v.Set(string(role), email)
	}
	v.Set("include_fields", strings.Join(includeFields, ","))
	if k := strings.TrimSpace(c.cfg.APIKey); k != "" {
		v.Set("api_key", k)
	}
	return v
}

func (c *Client) query(ctx context.Context, params url.Values) ([]Bug, error) {
	u, _ := url.Parse(c.cfg.URL)
	u.RawQuery = params.Encode()
	shown := redact(u)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, &SourceUnavailableError{URL: shown, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	c.log.Debug("bugzilla query", logx.String("url", shown))
	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error repeats the request URL, api_key included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, &SourceUnavailableError{URL: shown, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &SourceUnavailableError{URL: shown, StatusCode: resp.StatusCode, Err: err}
	}

	var list bugList
	decodeErr := json.Unmarshal(body, &list)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(list.Message)
		if decodeErr != nil || msg == "" {
			msg = snippet(body)
		}
		return nil, &SourceUnavailableError{URL: shown, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if decodeErr != nil {
		return nil, &SourceUnavailableError{URL: shown, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", decodeErr)}
	}
	if list.Error {
		return nil, &SourceUnavailableError{URL: shown, StatusCode: resp.StatusCode, Err: fmt.Errorf("api error %d: %s", list.Code, list.Message)}
	}

	out := make([]Bug, 0, len(list.Bugs))
	for _, w := range list.Bugs {
		b := w.normalize()
		if b.ID == "" {
			continue
		}
		if !c.cfg.Filter.Allows(b) {
			continue
		}
		out = append(out, b)
	}
	c.log.Debug("bugzilla query done",
		logx.Int("received", len(list.Bugs)),
		logx.Int("kept", len(out)),
		logx.Duration("took", time.Since(start)),
	)
	return out, nil
}

// redact hides the api_key query parameter.
func redact(u *url.URL) string {
	cp := *u
	q := cp.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		cp.RawQuery = q.Encode()
	}
	return cp.String()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
