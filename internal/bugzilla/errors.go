package bugzilla

import (
	"errors"
	"fmt"
)

// SourceUnavailableError is returned when a fetch fails for any reason:
// transport error, non-2xx status, API error body or malformed JSON.
// A single failure aborts the whole fetch; the client never retries.
type SourceUnavailableError struct {
	// URL is the request URL with credentials redacted.
	URL        string
	StatusCode int
	Err        error
}

func (e *SourceUnavailableError) Error() string {
	if e == nil {
		return "bug source unavailable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("bug source unavailable: %s: http %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bug source unavailable: %s: %v", e.URL, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// IsSourceUnavailable reports whether err is (or wraps) a SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}
