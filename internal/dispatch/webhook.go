package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bugwatch/internal/format"
	logx "bugwatch/pkg/logx"
)

// Webhook posts {"text": ...} to an incoming-webhook URL (Google Chat and
// compatible endpoints). Success is any 2xx response.
type Webhook struct {
	url     string
	timeout time.Duration
	http    *http.Client
	lim     *rate.Limiter
	log     logx.Logger
}

func newWebhook(cfg Config, httpClient *http.Client, lim *rate.Limiter, log logx.Logger) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.WebhookURL))
	if err != nil || u.Host == "" {
		return nil, errors.New("webhook url is invalid")
	}
	return &Webhook{url: u.String(), timeout: cfg.Timeout, http: httpClient, lim: lim, log: log}, nil
}

func (w *Webhook) Send(ctx context.Context, p format.Payload) error {
	if err := wait(ctx, w.lim, "webhook"); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return &DispatchError{Backend: "webhook", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &DispatchError{Backend: "webhook", Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := w.http.Do(req)
	if err != nil {
		// url.Error embeds the webhook URL, which carries the key and token.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return &DispatchError{Backend: "webhook", Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return &DispatchError{Backend: "webhook", StatusCode: resp.StatusCode, Err: errors.New(text)}
	}
	w.log.Debug("webhook delivered", logx.Int("status", resp.StatusCode), logx.Int("bytes", len(body)))
	return nil
}
