// Package scheduler drives the per-tick processing of due weather
// notification schedules: window query, distributed lock, opt-out gate,
// forecast fetch, dispatch, status report and recurrence advance.
//
// ProcessTick is a plain function; wiring it to a periodic runner is the
// caller's concern. One schedule failing never aborts the rest of the batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
	"github.com/mistervb/meli-climate-notifications/internal/metrics"
)

// ErrNoForecast marks an empty forecast response. It is a business failure,
// never retried.
var ErrNoForecast = errors.New("no forecast days available")

// releaseTimeout bounds the lock release call, which runs on a fresh context
// so a canceled tick still releases its leases.
const releaseTimeout = 5 * time.Second

type Store interface {
	FindDue(ctx context.Context, windowStart, windowEnd, now time.Time) ([]domain.Schedule, error)
	Save(ctx context.Context, sched domain.Schedule) error
}

type LockStore interface {
	Acquire(ctx context.Context, scheduleID uuid.UUID, lease time.Duration) (bool, error)
	Release(ctx context.Context, scheduleID uuid.UUID) error
	IsProcessed(ctx context.Context, scheduleID uuid.UUID, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, scheduleID uuid.UUID, now time.Time, ttl time.Duration) error
}

type OptOutGate interface {
	IsOptedOut(ctx context.Context, userID uuid.UUID) (bool, error)
}

type WeatherSource interface {
	Forecast(ctx context.Context, cityID string) (domain.Forecast, error)
}

type Publisher interface {
	Publish(ctx context.Context, n domain.WeatherNotification, bearerToken string) error
}

type StatusReporter interface {
	UpdateStatus(ctx context.Context, notificationID uuid.UUID, update domain.StatusUpdate) error
}

type TokenManager interface {
	Decrypt(encrypted string) (string, error)
	Encrypt(token string) (string, error)
	IsExpired(bearer string) bool
	Refresh(oldBearer string) (string, error)
}

type Retrier interface {
	Do(ctx context.Context, op func() error) error
}

type Config struct {
	// Tolerance is the half-width of the due window around the tick instant.
	Tolerance time.Duration
	// LockLease bounds how long one worker owns a schedule. Must exceed the
	// worst-case retry duration or a second worker can steal the lock
	// mid-retry and duplicate the send.
	LockLease time.Duration
	// ProcessedTTL is the lifetime of the per-hour dedup marker.
	ProcessedTTL time.Duration
}

type Deps struct {
	Store   Store
	Locks   LockStore
	OptOut  OptOutGate
	Weather WeatherSource
	Publish Publisher
	Status  StatusReporter
	Tokens  TokenManager
	Retrier Retrier
}

type Processor struct {
	cfg     Config
	deps    Deps
	log     *zap.Logger
	metrics metrics.Sink // optional, nil = disabled
	clock   func() time.Time
}

func New(cfg Config, deps Deps, log *zap.Logger) *Processor {
	return &Processor{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		clock: time.Now,
	}
}

// WithMetrics attaches a metrics sink to the processor.
func (p *Processor) WithMetrics(sink metrics.Sink) *Processor {
	p.metrics = sink
	return p
}

// ProcessTick queries the due window around now and processes each schedule
// in next-execution order. Per-schedule failures are recorded and skipped.
func (p *Processor) ProcessTick(ctx context.Context) error {
	now := p.clock().UTC()
	start := time.Now()

	if p.metrics != nil {
		p.metrics.TickStarted()
	}

	due, err := p.deps.Store.FindDue(ctx, now.Add(-p.cfg.Tolerance), now.Add(p.cfg.Tolerance), now)
	if err != nil {
		if p.metrics != nil {
			p.metrics.TickCompleted(time.Since(start), 0, err)
		}
		return fmt.Errorf("find due schedules: %w", err)
	}

	// The store orders already; re-sort so processing order never depends on
	// the Store implementation.
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextExecution.Equal(due[j].NextExecution) {
			return due[i].NextExecution.Before(due[j].NextExecution)
		}
		return due[i].ID.String() < due[j].ID.String()
	})

	for _, sched := range due {
		outcome := p.processSchedule(ctx, sched, now)
		if p.metrics != nil {
			p.metrics.ScheduleOutcome(outcome)
		}
	}

	if p.metrics != nil {
		p.metrics.TickCompleted(time.Since(start), len(due), nil)
	}
	return nil
}

func (p *Processor) processSchedule(ctx context.Context, sched domain.Schedule, now time.Time) (outcome string) {
	log := p.log.With(
		zap.String("schedule_id", sched.ID.String()),
		zap.String("notification_id", sched.NotificationID.String()),
		zap.String("type", string(sched.Recurrence.Type())))

	// Dedup before locking: a marker lookup failure falls through to the
	// lock, which still guarantees mutual exclusion.
	done, err := p.deps.Locks.IsProcessed(ctx, sched.ID, now)
	if err != nil {
		log.Warn("scheduler: processed marker lookup failed", zap.Error(err))
	} else if done {
		log.Debug("scheduler: already processed this hour")
		return metrics.OutcomeSkippedDedup
	}

	acquired, err := p.deps.Locks.Acquire(ctx, sched.ID, p.cfg.LockLease)
	if err != nil {
		log.Warn("scheduler: lock acquire failed", zap.Error(err))
		return metrics.OutcomeSkippedLock
	}
	if !acquired {
		log.Debug("scheduler: lock held by another worker")
		return metrics.OutcomeSkippedLock
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := p.deps.Locks.Release(rctx, sched.ID); err != nil {
			log.Warn("scheduler: lock release failed", zap.Error(err))
		}
	}()

	// Re-check under the lock: another worker may have finished and released
	// between the first check and our acquire.
	done, err = p.deps.Locks.IsProcessed(ctx, sched.ID, now)
	if err != nil {
		log.Warn("scheduler: processed marker lookup failed", zap.Error(err))
	} else if done {
		log.Debug("scheduler: already processed this hour")
		return metrics.OutcomeSkippedDedup
	}

	opted, err := p.deps.OptOut.IsOptedOut(ctx, sched.UserID)
	if err != nil {
		log.Warn("scheduler: opt-out lookup failed", zap.Error(err))
		return metrics.OutcomeFailed
	}
	if opted {
		log.Debug("scheduler: user opted out")
		return metrics.OutcomeSkippedOptOut
	}

	// A ONCE schedule fires only inside the tolerance window around its
	// single instant; outside it nothing is sent and nothing is mutated.
	if sched.Recurrence.Type() == domain.ScheduleOnce {
		if diff := now.Sub(sched.NextExecution); diff > p.cfg.Tolerance || diff < -p.cfg.Tolerance {
			log.Debug("scheduler: outside tolerance window",
				zap.Time("next_execution", sched.NextExecution))
			return metrics.OutcomeSkippedNotDue
		}
	}

	execErr := p.deps.Retrier.Do(ctx, func() error {
		return p.execute(ctx, &sched)
	})
	if execErr != nil {
		log.Error("scheduler: processing failed", zap.Error(execErr))
		p.reportFailure(ctx, sched.NotificationID, execErr, log)
		sched.Status = domain.ScheduleError
		if err := p.deps.Store.Save(ctx, sched); err != nil {
			log.Warn("scheduler: persist error status failed", zap.Error(err))
		}
		return metrics.OutcomeFailed
	}

	p.advance(&sched, now)
	if err := p.deps.Store.Save(ctx, sched); err != nil {
		// The send already happened; without the persisted row the marker
		// must not be written or the next occurrence would be suppressed.
		log.Warn("scheduler: persist after send failed", zap.Error(err))
		return metrics.OutcomeFailed
	}

	if err := p.deps.Locks.MarkProcessed(ctx, sched.ID, now, p.cfg.ProcessedTTL); err != nil {
		log.Warn("scheduler: set processed marker failed", zap.Error(err))
	}

	log.Info("scheduler: notification processed",
		zap.String("status", string(sched.Status)),
		zap.Time("next_execution", sched.NextExecution))
	return metrics.OutcomeProcessed
}

// execute runs the network-dependent portion for one schedule: forecast
// fetch, credential handling, dispatch and the upstream status report. It is
// retried as a whole on network-class errors.
func (p *Processor) execute(ctx context.Context, sched *domain.Schedule) error {
	forecast, err := p.deps.Weather.Forecast(ctx, sched.CityID)
	if err != nil {
		return fmt.Errorf("fetch forecast: %w", err)
	}
	if len(forecast.Days) == 0 {
		return ErrNoForecast
	}
	day := forecast.Days[0]

	bearer, err := p.credential(ctx, sched)
	if err != nil {
		return err
	}

	n := domain.WeatherNotification{
		UserID:         sched.UserID,
		NotificationID: sched.NotificationID,
		CityName:       sched.CityName,
		UF:             sched.UF,
		Date:           day.Date,
		MinTemp:        day.Min,
		MaxTemp:        day.Max,
		Message: fmt.Sprintf("Forecast for %s - %s on %s: low %d°C, high %d°C",
			sched.CityName, sched.UF, day.Date, day.Min, day.Max),
	}

	if err := p.deps.Publish.Publish(ctx, n, bearerHeader(bearer)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	if p.metrics != nil {
		p.metrics.DispatchPublished()
	}

	err = p.deps.Status.UpdateStatus(ctx, sched.NotificationID, domain.StatusUpdate{
		Status:  domain.NotificationExecuted,
		Message: "weather notification sent",
	})
	if err != nil {
		return fmt.Errorf("report executed status: %w", err)
	}
	return nil
}

// credential decrypts the stored token and rotates it when expired. The
// rotated token is persisted before use so a later failure cannot lose it.
func (p *Processor) credential(ctx context.Context, sched *domain.Schedule) (string, error) {
	if sched.AuthToken == "" {
		return "", nil
	}

	bearer, err := p.deps.Tokens.Decrypt(sched.AuthToken)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	if !p.deps.Tokens.IsExpired(bearer) {
		return bearer, nil
	}

	refreshed, err := p.deps.Tokens.Refresh(bearer)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	sealed, err := p.deps.Tokens.Encrypt(refreshed)
	if err != nil {
		return "", fmt.Errorf("encrypt refreshed token: %w", err)
	}
	sched.AuthToken = sealed
	if err := p.deps.Store.Save(ctx, *sched); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return refreshed, nil
}

// advance computes the schedule's post-send state: the next occurrence, or a
// terminal COMPLETED when none exists or the end date is reached.
func (p *Processor) advance(sched *domain.Schedule, now time.Time) {
	next, ok := sched.Recurrence.Next(now)
	if !ok {
		sched.Status = domain.ScheduleCompleted
		return
	}
	if sched.EndDate != nil && next.After(*sched.EndDate) {
		sched.Status = domain.ScheduleCompleted
		return
	}
	sched.NextExecution = next
	sched.Status = domain.ScheduleActive
}

func (p *Processor) reportFailure(ctx context.Context, notificationID uuid.UUID, cause error, log *zap.Logger) {
	err := p.deps.Status.UpdateStatus(ctx, notificationID, domain.StatusUpdate{
		Status:  domain.NotificationFailed,
		Message: cause.Error(),
	})
	if err != nil {
		log.Warn("scheduler: report failed status failed", zap.Error(err))
	}
}

func bearerHeader(token string) string {
	if token == "" {
		return ""
	}
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}
