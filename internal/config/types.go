package config

// Config is the whole process configuration. It is loaded once at startup
// and passed by value (or as immutable sub-structs) into each component.
//
// The same shape is accepted from an optional JSON/YAML file; environment
// variables (and the .env file) override file values.
type Config struct {
	Bugzilla BugzillaConfig `json:"bugzilla"`
	Filter   FilterConfig   `json:"filter"`
	Notify   NotifyConfig   `json:"notify"`
	Schedule ScheduleConfig `json:"schedule"`
	State    StateConfig    `json:"state"`
	Logging  LoggingConfig  `json:"logging"`
}

// BugzillaConfig describes the tracker endpoint and the query window.
//
// All durations are Go duration strings (e.g. "30s", "720h").
type BugzillaConfig struct {
	// URL is the bug-list endpoint, e.g. https://bugzilla.example.com/rest/bug.
	URL string `json:"url"`
	// BaseURL is used for deep links. Derived from URL when empty.
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"` // never logged
	Timeout string `json:"timeout,omitempty"`

	// LastChangeTime pins the query window start (RFC3339 or YYYY-MM-DD).
	LastChangeTime string `json:"last_change_time,omitempty"`
	// InitialLookback is used when the snapshot is empty. Default 720h.
	InitialLookback string `json:"initial_lookback,omitempty"`
	// QueryWindow is used otherwise. Default: 2 x interval.
	QueryWindow string `json:"query_window,omitempty"`
}

// FilterConfig is read-only for the process lifetime.
type FilterConfig struct {
	Statuses []string `json:"statuses"`
	Products []string `json:"products,omitempty"`
	Email    string   `json:"email,omitempty"`
	// ProductOrder controls section order in `bugwatch list`.
	ProductOrder []string `json:"product_order,omitempty"`
}

// NotifyConfig selects and configures the dispatcher backend.
//
// Driver values:
//   - "webhook": HTTP POST of {"text": ...} (Google Chat compatible)
//   - "telegram": Telegram Bot API
type NotifyConfig struct {
	Driver     string         `json:"driver"`
	WebhookURL string         `json:"webhook_url,omitempty"` // never logged
	RatePerSec int            `json:"rate_per_sec,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	Telegram   TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// ScheduleConfig controls the cycle trigger.
//
// Spec overrides IntervalMinutes and accepts the same forms as
// schedule.ParseSchedule ("*/30 * * * *", "55m", "01:30").
type ScheduleConfig struct {
	IntervalMinutes int    `json:"interval_minutes"`
	Spec            string `json:"spec,omitempty"`
	// Digest is an optional cron spec for posting the full bug list (e.g. "0 10 * * *").
	Digest   string `json:"digest,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StateConfig controls the snapshot store.
//
// Example:
//
//	"state": { "driver": "file", "path": "./bug_state.json" }
type StateConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	LockTimeout string `json:"lock_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    string `json:"file,omitempty"`
}

const (
	DefaultBugzillaURL = "https://bugzilla.bizom.in/rest/bug"
	DefaultStatePath   = "./bug_state.json"
)

// DefaultStatuses mirrors the status set the tracker team queries by default.
var DefaultStatuses = []string{
	"UNCONFIRMED", "CONFIRMED", "NEEDS_INFO", "IN_PROGRESS", "IN_PROGRESS_DEV", "RESOLVED", "REOPENED",
}

// Default returns a Config populated with runtime defaults.
func Default() Config {
	return Config{
		Bugzilla: BugzillaConfig{
			URL:             DefaultBugzillaURL,
			Timeout:         "30s",
			InitialLookback: "720h",
		},
		Filter: FilterConfig{
			Statuses:     append([]string(nil), DefaultStatuses...),
			ProductOrder: []string{"Bizom Web", "Mobile App", "Internal Tools"},
		},
		Notify: NotifyConfig{
			Driver:     "webhook",
			RatePerSec: 1,
			Timeout:    "15s",
		},
		Schedule: ScheduleConfig{IntervalMinutes: 60},
		State: StateConfig{
			Driver:      "file",
			Path:        DefaultStatePath,
			LockTimeout: "10s",
		},
		Logging: LoggingConfig{Level: "INFO", Console: true},
	}
}
