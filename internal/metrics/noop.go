package metrics

import "time"

// NoopSink implements Sink with no-ops. Used when metrics are disabled.
type NoopSink struct{}

// NewNoopSink creates a new no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) TickStarted()                                    {}
func (s *NoopSink) TickCompleted(_ time.Duration, _ int, _ error)   {}
func (s *NoopSink) ScheduleOutcome(_ string)                        {}
func (s *NoopSink) RetryAttempt(_ bool)                             {}
func (s *NoopSink) DispatchPublished()                              {}
func (s *NoopSink) ForecastCache(_ bool)                            {}
