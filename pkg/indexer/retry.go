package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"davstream/pkg/logger"
)

const maxRetries = 2

// ErrAuth marks authorization failures (401/403, Newznab 1xx error codes).
// Never retried; the indexer is skipped for the request.
var ErrAuth = errors.New("indexer authorization failed")

// StatusError carries an upstream HTTP status for transient classification.
type StatusError struct {
	Status  int
	Indexer string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Indexer, e.Status)
}

// IsTransient reports whether err is worth retrying: connection resets,
// DNS hiccups, timeouts, refusals, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == 429 || se.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	for _, tok := range []string{
		"connection reset", "ECONNRESET",
		"no such host", "ENOTFOUND", "EAI_AGAIN",
		"timeout", "ETIMEDOUT", "deadline exceeded",
		"connection refused", "ECONNREFUSED",
		"broken pipe", "EPIPE",
	} {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// WithRetry runs fn up to 1+maxRetries times, backing off exponentially
// from base with +-30% jitter, but only for transient errors.
func WithRetry(ctx context.Context, name string, fn func() error) error {
	base := 500 * time.Millisecond
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt >= maxRetries {
			return err
		}
		delay := base << attempt
		jitter := time.Duration(float64(delay) * (rand.Float64()*0.6 - 0.3))
		delay += jitter
		logger.Debug("Retrying after transient error", "indexer", name, "attempt", attempt+1, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
