// Package dispatch delivers rendered messages to chat.
//
// Every backend issues exactly one outbound call per Send, never batches,
// and shares a token-bucket limiter so a burst of changes does not trip the
// chat platform's rate limits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bugwatch/internal/format"
	logx "bugwatch/pkg/logx"
)

// Dispatcher sends one payload.
type Dispatcher interface {
	Send(ctx context.Context, p format.Payload) error
}

// DispatchError is a failed delivery: transport error, non-2xx response or
// a rejected API call.
type DispatchError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e == nil {
		return "dispatch error"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s: http %d: %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Backend, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsDispatchError reports whether err is (or wraps) a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// Config selects and configures the backend.
type Config struct {
	Driver     string // "webhook" (default) or "telegram"
	WebhookURL string
	RatePerSec int
	Timeout    time.Duration

	TelegramToken    string
	TelegramChatID   int64
	TelegramThreadID int
	// TelegramAPIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	TelegramAPIURL string
}

// New builds the configured dispatcher. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log logx.Logger) (Dispatcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	lim := newLimiter(cfg.RatePerSec)

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "webhook":
		return newWebhook(cfg, httpClient, lim, log.With(logx.String("backend", "webhook")))
	case "telegram":
		return newTelegram(cfg, lim, log.With(logx.String("backend", "telegram")))
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// newLimiter returns nil (unlimited) when rps <= 0.
func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	// burst = rate so a short spike doesn't block too hard
	return rate.NewLimiter(rate.Limit(rps), rps)
}

func wait(ctx context.Context, lim *rate.Limiter, backend string) error {
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return &DispatchError{Backend: backend, Err: err}
	}
	return nil
}
