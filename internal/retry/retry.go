// Package retry implements exponential backoff for signed-URL transfers.
package retry

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultMaxRetries    = 5
	DefaultInitialDelay  = 1 * time.Second
	DefaultMaxDelay      = 32 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultJitter        = 0.2 // ±20%
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		InitialDelay:  DefaultInitialDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
		Jitter:        DefaultJitter,
	}
}

// IsRetryableStatus reports throttling and transient server errors.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// CalculateDelay returns the wait before retry number attempt (zero based).
// A server supplied retryAfter wins when it does not exceed MaxDelay.
func (c Config) CalculateDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 && retryAfter <= c.MaxDelay {
		return retryAfter
	}

	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.BackoffFactor
	}
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		delay += delay * c.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// ParseRetryAfter parses a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
