package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget. Registration errors are
// logged but never propagated.
type PrometheusSink struct {
	log *zap.Logger

	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	tickDuration    prometheus.Histogram
	schedulesDue    prometheus.Histogram

	scheduleOutcomesTotal *prometheus.CounterVec
	retryAttemptsTotal    *prometheus.CounterVec
	dispatchesTotal       prometheus.Counter
	forecastCacheTotal    *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink. Metrics that fail
// to register keep working locally but are not exported.
func NewPrometheusSink(reg prometheus.Registerer, log *zap.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}

	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "climatehub_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "climatehub_scheduler_tick_errors_total",
		Help: "Total number of scheduler ticks that failed before processing.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "climatehub_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.schedulesDue = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "climatehub_scheduler_schedules_due",
		Help:    "Number of due schedules returned per tick.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})
	s.scheduleOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "climatehub_schedule_outcomes_total",
		Help: "Per-schedule processing outcomes.",
	}, []string{"outcome"})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "climatehub_retry_attempts_total",
		Help: "Retry engine attempts beyond the first, by retryability.",
	}, []string{"retryable"})
	s.dispatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "climatehub_dispatch_published_total",
		Help: "Weather notifications published to the delivery queue.",
	})
	s.forecastCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "climatehub_forecast_cache_total",
		Help: "Forecast cache lookups by result.",
	}, []string{"result"})

	s.register(reg, s.ticksTotal, "climatehub_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "climatehub_scheduler_tick_errors_total")
	s.register(reg, s.tickDuration, "climatehub_scheduler_tick_duration_seconds")
	s.register(reg, s.schedulesDue, "climatehub_scheduler_schedules_due")
	s.register(reg, s.scheduleOutcomesTotal, "climatehub_schedule_outcomes_total")
	s.register(reg, s.retryAttemptsTotal, "climatehub_retry_attempts_total")
	s.register(reg, s.dispatchesTotal, "climatehub_dispatch_published_total")
	s.register(reg, s.forecastCacheTotal, "climatehub_forecast_cache_total")

	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: register failed", zap.String("metric", name), zap.Error(err))
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, due int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.schedulesDue.Observe(float64(due))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleOutcome(outcome string) {
	s.scheduleOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) DispatchPublished() {
	s.dispatchesTotal.Inc()
}

func (s *PrometheusSink) ForecastCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	s.forecastCacheTotal.WithLabelValues(result).Inc()
}
