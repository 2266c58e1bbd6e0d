// Package reliability guards every exchange call with a sliding-window rate
// limiter, a three-state circuit breaker, and classified retry with adaptive
// backoff. All exchange traffic flows through a single Manager so the three
// mechanisms share one view of the dependency's health.
package reliability

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// Category names the retry policy bucket an error falls into.
type Category string

const (
	CategoryRateLimit      Category = "rate_limit"
	CategoryServer         Category = "server"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryClient         Category = "client"
	CategoryNetwork        Category = "network"
	CategoryBackpressure   Category = "backpressure"
)

// Classification is the retry policy derived from an error.
type Classification struct {
	Category  Category
	Retryable bool
	Severity  domain.AlertSeverity
	// SuggestedDelay is the base delay before the next attempt, prior to
	// exponential backoff and jitter. Zero means use the configured base.
	SuggestedDelay time.Duration
	// BackoffMultiplier scales the configured backoff growth for this
	// category. 1.0 means unmodified.
	BackoffMultiplier float64
}

// Classify maps an error to its retry policy. Rules are ordered: rate-limit
// indicators win over server indicators, which win over timeouts, so an
// error that matches several buckets lands in the most specific one. The
// default is a retryable network failure, because transport errors that
// reach here untyped are almost always transient.
func Classify(err error) Classification {
	// Backpressure sentinels are rejections we issued ourselves; retrying
	// them inside the same reliability layer would defeat their purpose.
	if errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, domain.ErrQueueFull) {
		return Classification{
			Category:          CategoryBackpressure,
			Retryable:         false,
			Severity:          domain.SeverityWarning,
			BackoffMultiplier: 1.0,
		}
	}

	if ee, ok := domain.AsExchangeError(err); ok {
		switch ee.Kind {
		case domain.ErrKindRateLimit:
			delay := 5 * time.Second
			if ee.RetryAfter > 0 {
				delay = ee.RetryAfter
			}
			return Classification{
				Category:          CategoryRateLimit,
				Retryable:         true,
				Severity:          domain.SeverityWarning,
				SuggestedDelay:    delay,
				BackoffMultiplier: 2.0,
			}
		case domain.ErrKindServer:
			return Classification{
				Category:          CategoryServer,
				Retryable:         true,
				Severity:          domain.SeverityWarning,
				SuggestedDelay:    2 * time.Second,
				BackoffMultiplier: 1.5,
			}
		case domain.ErrKindTimeout:
			return Classification{
				Category:          CategoryTimeout,
				Retryable:         true,
				Severity:          domain.SeverityWarning,
				SuggestedDelay:    time.Second,
				BackoffMultiplier: 1.5,
			}
		case domain.ErrKindAuthentication:
			return Classification{
				Category:          CategoryAuthentication,
				Retryable:         false,
				Severity:          domain.SeverityCritical,
				BackoffMultiplier: 1.0,
			}
		case domain.ErrKindClient:
			return Classification{
				Category:          CategoryClient,
				Retryable:         false,
				Severity:          domain.SeverityWarning,
				BackoffMultiplier: 1.0,
			}
		case domain.ErrKindNetwork:
			return Classification{
				Category:          CategoryNetwork,
				Retryable:         true,
				Severity:          domain.SeverityWarning,
				SuggestedDelay:    time.Second,
				BackoffMultiplier: 1.5,
			}
		}
	}

	// Untyped timeouts: context deadlines and net timeouts.
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Classification{
			Category:          CategoryTimeout,
			Retryable:         true,
			Severity:          domain.SeverityWarning,
			SuggestedDelay:    time.Second,
			BackoffMultiplier: 1.5,
		}
	}

	return Classification{
		Category:          CategoryNetwork,
		Retryable:         true,
		Severity:          domain.SeverityWarning,
		SuggestedDelay:    time.Second,
		BackoffMultiplier: 1.5,
	}
}
