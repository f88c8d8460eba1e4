package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, due int, err error)
	ScheduleOutcome(outcome string)

	// Retry engine metrics
	RetryAttempt(retryable bool)

	// Delivery metrics
	DispatchPublished()

	// Weather cache metrics
	ForecastCache(hit bool)
}

// Outcome constants for ScheduleOutcome.
const (
	OutcomeProcessed     = "processed"
	OutcomeFailed        = "failed"
	OutcomeSkippedLock   = "skipped_lock"
	OutcomeSkippedDedup  = "skipped_dedup"
	OutcomeSkippedOptOut = "skipped_optout"
	OutcomeSkippedNotDue = "skipped_not_due"
)
