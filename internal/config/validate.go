package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Error is a missing or invalid setting. It is fatal at startup.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "config error"
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is (or wraps) a configuration error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Validate checks the settings every command needs (source, state, schedule).
func (c *Config) Validate() error {
	if err := validateHTTPURL("bugzilla.url", c.Bugzilla.URL); err != nil {
		return err
	}
	if err := validateHTTPURL("bugzilla.base_url", c.Bugzilla.BaseURL); err != nil {
		return err
	}
	if len(c.Filter.Statuses) == 0 {
		return &Error{Field: "filter.statuses", Err: errors.New("at least one status is required")}
	}
	if strings.TrimSpace(c.Schedule.Spec) == "" && c.Schedule.IntervalMinutes <= 0 {
		return &Error{Field: "schedule.interval_minutes", Err: errors.New("must be > 0")}
	}
	for path, raw := range map[string]string{
		"bugzilla.timeout":          c.Bugzilla.Timeout,
		"bugzilla.initial_lookback": c.Bugzilla.InitialLookback,
		"bugzilla.query_window":     c.Bugzilla.QueryWindow,
		"notify.timeout":            c.Notify.Timeout,
		"state.lock_timeout":        c.State.LockTimeout,
		"state.busy_timeout":        c.State.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return &Error{Field: path, Err: fmt.Errorf("invalid duration %q", raw)}
		}
	}
	if _, err := c.LastChangeTime(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.State.Driver)) {
	case "file", "sqlite", "sqlite3":
	default:
		return &Error{Field: "state.driver", Err: fmt.Errorf("unknown driver %q", c.State.Driver)}
	}
	if strings.TrimSpace(c.State.Path) == "" {
		return &Error{Field: "state.path", Err: errors.New("required")}
	}
	return nil
}

// ValidateNotify checks the dispatcher settings. Commands that send to chat call it.
func (c *Config) ValidateNotify() error {
	switch strings.ToLower(strings.TrimSpace(c.Notify.Driver)) {
	case "", "webhook":
		if strings.TrimSpace(c.Notify.WebhookURL) == "" {
			return &Error{Field: "GOOGLE_CHAT_WEBHOOK", Err: errors.New("required for notify driver webhook")}
		}
		return validateHTTPURL("notify.webhook_url", c.Notify.WebhookURL)
	case "telegram":
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return &Error{Field: "TELEGRAM_TOKEN", Err: errors.New("required for notify driver telegram")}
		}
		if c.Notify.Telegram.ChatID == 0 {
			return &Error{Field: "TELEGRAM_CHAT_ID", Err: errors.New("required for notify driver telegram")}
		}
		return nil
	default:
		return &Error{Field: "notify.driver", Err: fmt.Errorf("unknown driver %q", c.Notify.Driver)}
	}
}

// Interval is the configured check interval (used when Schedule.Spec is empty
// and as the base for the default query window).
func (c *Config) Interval() time.Duration {
	if c.Schedule.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Schedule.IntervalMinutes) * time.Minute
}

// LastChangeTime parses the pinned window start. Zero means "not pinned".
func (c *Config) LastChangeTime() (time.Time, error) {
	raw := strings.TrimSpace(c.Bugzilla.LastChangeTime)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &Error{Field: "LAST_CHANGE_TIME", Err: fmt.Errorf("invalid time %q (use RFC3339 or YYYY-MM-DD)", raw)}
}

// DeriveBaseURL turns a REST endpoint (https://host/rest/bug) into the
// web root used for deep links (https://host).
func DeriveBaseURL(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if i := strings.Index(p, "/rest"); i >= 0 {
		p = p[:i]
	}
	return u.Scheme + "://" + u.Host + p
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &Error{Field: field, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &Error{Field: field, Err: fmt.Errorf("must be an http(s) URL")}
	}
	if u.Host == "" {
		return &Error{Field: field, Err: fmt.Errorf("missing host")}
	}
	return nil
}
