package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func TestPrometheusSink_AllMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zap.NewNop())

	sink.TickStarted()
	sink.TickCompleted(50*time.Millisecond, 3, nil)
	sink.TickCompleted(time.Second, 0, errors.New("db down"))
	sink.ScheduleOutcome(OutcomeProcessed)
	sink.ScheduleOutcome(OutcomeSkippedLock)
	sink.RetryAttempt(true)
	sink.RetryAttempt(false)
	sink.DispatchPublished()
	sink.ForecastCache(true)
	sink.ForecastCache(false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}

func TestPrometheusSink_DoubleRegisterDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, zap.NewNop())
	// Second sink on the same registry hits AlreadyRegisteredError for
	// every collector; it must only log, never panic.
	sink := NewPrometheusSink(reg, zap.NewNop())
	sink.TickStarted()
}

func TestNoopSink_ImplementsSink(t *testing.T) {
	var s Sink = NewNoopSink()
	s.TickStarted()
	s.TickCompleted(time.Second, 1, nil)
	s.ScheduleOutcome(OutcomeFailed)
	s.RetryAttempt(true)
	s.DispatchPublished()
	s.ForecastCache(false)
}
