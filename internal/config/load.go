package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadOptions tells Load where configuration comes from.
//
// Precedence (later wins): defaults, config file, .env file, process env.
// A variable already present in the process environment is never overridden
// by the .env file, matching godotenv.Load semantics.
type LoadOptions struct {
	// ConfigPath is an optional JSON or YAML file.
	ConfigPath string
	// EnvFile is an optional .env file. A missing file is not an error.
	EnvFile string
	// Getenv defaults to os.LookupEnv.
	Getenv func(key string) (string, bool)
}

// Load builds the configuration and validates the source-side settings.
// Notification settings are checked separately by ValidateNotify since
// some commands (list, reset) never dispatch.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if p := strings.TrimSpace(opts.ConfigPath); p != "" {
		if err := parseFile(p, &cfg); err != nil {
			return nil, &Error{Field: "config", Err: err}
		}
	}

	dotenv := map[string]string{}
	if p := strings.TrimSpace(opts.EnvFile); p != "" {
		m, err := godotenv.Read(p)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, &Error{Field: "env_file", Err: err}
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.LookupEnv
	}
	lookup := func(key string) (string, bool) {
		if v, ok := getenv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Bugzilla.BaseURL) == "" {
		cfg.Bugzilla.BaseURL = DeriveBaseURL(cfg.Bugzilla.URL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseFile decodes a JSON or YAML file strictly on top of cfg.
func parseFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	jb, err := coerceToJSON(path, b)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing data")
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = SplitList(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: key, Err: fmt.Errorf("invalid integer %q", v)}
		}
		*dst = n
		return nil
	}

	str("BUGZILLA_URL", &cfg.Bugzilla.URL)
	str("BUGZILLA_BASE_URL", &cfg.Bugzilla.BaseURL)
	str("BUGZILLA_API_KEY", &cfg.Bugzilla.APIKey)
	str("HTTP_TIMEOUT", &cfg.Bugzilla.Timeout)
	str("LAST_CHANGE_TIME", &cfg.Bugzilla.LastChangeTime)
	str("INITIAL_LOOKBACK", &cfg.Bugzilla.InitialLookback)
	str("QUERY_WINDOW", &cfg.Bugzilla.QueryWindow)

	list("BUG_STATUS", &cfg.Filter.Statuses)
	list("PRODUCT", &cfg.Filter.Products)
	list("PRODUCT_ORDER", &cfg.Filter.ProductOrder)
	str("EMAIL", &cfg.Filter.Email)

	str("NOTIFY_DRIVER", &cfg.Notify.Driver)
	str("WEBHOOK_URL", &cfg.Notify.WebhookURL)
	str("GOOGLE_CHAT_WEBHOOK", &cfg.Notify.WebhookURL)
	str("NOTIFY_TIMEOUT", &cfg.Notify.Timeout)
	str("TELEGRAM_TOKEN", &cfg.Notify.Telegram.Token)
	if err := num("NOTIFY_RATE_PER_SEC", &cfg.Notify.RatePerSec); err != nil {
		return err
	}
	if v, ok := lookup("TELEGRAM_CHAT_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return &Error{Field: "TELEGRAM_CHAT_ID", Err: fmt.Errorf("invalid chat id %q", v)}
		}
		cfg.Notify.Telegram.ChatID = id
	}
	if err := num("TELEGRAM_THREAD_ID", &cfg.Notify.Telegram.ThreadID); err != nil {
		return err
	}

	if err := num("CHECK_INTERVAL_MINUTES", &cfg.Schedule.IntervalMinutes); err != nil {
		return err
	}
	str("SCHEDULE", &cfg.Schedule.Spec)
	str("DIGEST_SCHEDULE", &cfg.Schedule.Digest)
	str("TIMEZONE", &cfg.Schedule.Timezone)

	str("STATE_DRIVER", &cfg.State.Driver)
	str("STATE_PATH", &cfg.State.Path)
	str("STATE_LOCK_TIMEOUT", &cfg.State.LockTimeout)
	str("STATE_BUSY_TIMEOUT", &cfg.State.BusyTimeout)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	if v, ok := lookup("LOG_CONSOLE"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: "LOG_CONSOLE", Err: fmt.Errorf("invalid bool %q", v)}
		}
		cfg.Logging.Console = b
	}
	return nil
}

// SplitList parses a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
