package config

import (
	"fmt"
	"time"

	"github.com/mistervb/meli-climate-notifications/internal/retry"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	positive := func(field string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be positive"})
		}
	}
	positive("TICK_INTERVAL", cfg.TickInterval)
	positive("TOLERANCE", cfg.Tolerance)
	positive("LOCK_LEASE", cfg.LockLease)
	positive("PROCESSED_TTL", cfg.ProcessedTTL)
	positive("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	positive("JWT_EXPIRY", cfg.JWTExpiry)

	if cfg.RetryMaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "RETRY_MAX_ATTEMPTS",
			Message: "must be at least 1",
		})
	}

	// The lock lease must outlive the worst-case retry backoff, otherwise a
	// second worker can steal the lock mid-retry and duplicate a send.
	if cfg.RetryMaxAttempts >= 1 && cfg.RetryBaseDelay > 0 {
		maxSleep := retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		}.MaxSleep()
		if maxSleep >= cfg.LockLease {
			errs = append(errs, ValidationError{
				Field: "LOCK_LEASE",
				Message: fmt.Sprintf("must exceed worst-case retry backoff %s (RETRY_MAX_ATTEMPTS=%d, RETRY_BASE_DELAY=%s)",
					maxSleep, cfg.RetryMaxAttempts, cfg.RetryBaseDelay),
			})
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("unknown level %q", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
