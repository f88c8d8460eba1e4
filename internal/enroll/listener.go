// Package enroll consumes schedule-creation requests from the notification
// queue and turns them into stored schedules: city resolution, initial
// next-execution computation and credential encryption happen here.
package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
)

// Queue is the enrollment queue published to by the notification service.
const Queue = "notification-queue"

type CityResolver interface {
	CitySearch(ctx context.Context, name, uf string) (domain.City, error)
}

type Store interface {
	Create(ctx context.Context, sched domain.Schedule) error
}

type TokenEncryptor interface {
	Encrypt(token string) (string, error)
}

type StatusReporter interface {
	UpdateStatus(ctx context.Context, notificationID uuid.UUID, update domain.StatusUpdate) error
}

// CityRequest is the enrollment message payload.
type CityRequest struct {
	NotificationID uuid.UUID           `json:"notificationId"`
	UserID         uuid.UUID           `json:"userId"`
	CityName       string              `json:"cityName"`
	UF             string              `json:"uf"`
	ScheduleType   domain.ScheduleType `json:"scheduleType"`
	Time           string              `json:"time,omitempty"`      // "HH:mm", DAILY and WEEKLY
	DayOfWeek      int                 `json:"dayOfWeek,omitempty"` // ISO 1..7, WEEKLY only
	ExecuteAt      *time.Time          `json:"executeAt,omitempty"` // ONCE only
	EndDate        *time.Time          `json:"endDate,omitempty"`
}

type Listener struct {
	cities CityResolver
	store  Store
	tokens TokenEncryptor
	status StatusReporter
	log    *zap.Logger
	clock  func() time.Time
}

func NewListener(cities CityResolver, store Store, tokens TokenEncryptor, status StatusReporter, log *zap.Logger) *Listener {
	return &Listener{
		cities: cities,
		store:  store,
		tokens: tokens,
		status: status,
		log:    log,
		clock:  time.Now,
	}
}

// DeclareQueue ensures the enrollment queue exists. Idempotent.
func DeclareQueue(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", Queue, err)
	}
	return nil
}

// Run consumes the enrollment queue until ctx is canceled or the channel
// closes. Failed messages are rejected without requeue; enrollment requests
// are not retryable, the notification service is told via FAILED instead.
func (l *Listener) Run(ctx context.Context, ch *amqp.Channel) error {
	deliveries, err := ch.Consume(Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", Queue, err)
	}

	l.log.Info("enroll: listening", zap.String("queue", Queue))
	for {
		select {
		case <-ctx.Done():
			l.log.Info("enroll: stopped")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("enroll: delivery channel closed")
			}
			if err := l.Handle(ctx, d.Body, d.Headers); err != nil {
				l.log.Warn("enroll: request rejected", zap.Error(err))
				if nackErr := d.Reject(false); nackErr != nil {
					l.log.Warn("enroll: reject failed", zap.Error(nackErr))
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				l.log.Warn("enroll: ack failed", zap.Error(ackErr))
			}
		}
	}
}

// Handle processes one enrollment message. The Authorization message header,
// when present, is encrypted and stored with the schedule.
func (l *Listener) Handle(ctx context.Context, body []byte, headers amqp.Table) error {
	var req CityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	sched, err := l.buildSchedule(ctx, req, headers)
	if err != nil {
		l.reportFailure(ctx, req.NotificationID, err)
		return err
	}

	if err := l.store.Create(ctx, sched); err != nil {
		l.reportFailure(ctx, req.NotificationID, err)
		return fmt.Errorf("store schedule: %w", err)
	}

	l.log.Info("enroll: schedule created",
		zap.String("schedule_id", sched.ID.String()),
		zap.String("notification_id", sched.NotificationID.String()),
		zap.String("city", sched.CityName),
		zap.Time("next_execution", sched.NextExecution))
	return nil
}

func (l *Listener) buildSchedule(ctx context.Context, req CityRequest, headers amqp.Table) (domain.Schedule, error) {
	if req.NotificationID == uuid.Nil || req.UserID == uuid.Nil {
		return domain.Schedule{}, errors.New("missing notification or user id")
	}
	if req.CityName == "" || req.UF == "" {
		return domain.Schedule{}, errors.New("missing city name or uf")
	}

	city, err := l.cities.CitySearch(ctx, req.CityName, req.UF)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("resolve city %q/%s: %w", req.CityName, req.UF, err)
	}

	rec, err := buildRecurrence(req)
	if err != nil {
		return domain.Schedule{}, err
	}

	now := l.clock().UTC()
	first, ok := rec.First(now)
	if !ok {
		return domain.Schedule{}, errors.New("schedule has no executable occurrence")
	}
	// The initial occurrence may be exactly now but never in the past.
	if first.Before(now) {
		return domain.Schedule{}, fmt.Errorf("execution time %s is in the past", first.Format(time.RFC3339))
	}

	var sealed string
	if bearer := authorizationHeader(headers); bearer != "" {
		sealed, err = l.tokens.Encrypt(bearer)
		if err != nil {
			return domain.Schedule{}, fmt.Errorf("encrypt token: %w", err)
		}
	}

	var endDate *time.Time
	if req.EndDate != nil {
		t := req.EndDate.UTC()
		endDate = &t
	}

	return domain.Schedule{
		ID:             uuid.New(),
		NotificationID: req.NotificationID,
		UserID:         req.UserID,
		CityID:         city.ID,
		CityName:       city.Name,
		UF:             city.UF,
		Recurrence:     rec,
		NextExecution:  first,
		EndDate:        endDate,
		Status:         domain.ScheduleActive,
		AuthToken:      sealed,
	}, nil
}

func buildRecurrence(req CityRequest) (domain.Recurrence, error) {
	switch req.ScheduleType {
	case domain.ScheduleOnce:
		if req.ExecuteAt == nil {
			return nil, errors.New("ONCE schedule missing executeAt")
		}
		return domain.Once{At: req.ExecuteAt.UTC()}, nil

	case domain.ScheduleDaily:
		tod, err := domain.ParseTimeOfDay(req.Time)
		if err != nil {
			return nil, err
		}
		return domain.Daily{TimeOfDay: tod}, nil

	case domain.ScheduleWeekly:
		tod, err := domain.ParseTimeOfDay(req.Time)
		if err != nil {
			return nil, err
		}
		weekday, err := domain.WeekdayFromISO(req.DayOfWeek)
		if err != nil {
			return nil, err
		}
		return domain.Weekly{TimeOfDay: tod, Weekday: weekday}, nil

	default:
		return nil, fmt.Errorf("unsupported schedule type %q", req.ScheduleType)
	}
}

func (l *Listener) reportFailure(ctx context.Context, notificationID uuid.UUID, cause error) {
	if notificationID == uuid.Nil {
		return
	}
	err := l.status.UpdateStatus(ctx, notificationID, domain.StatusUpdate{
		Status:  domain.NotificationFailed,
		Message: cause.Error(),
	})
	if err != nil {
		l.log.Warn("enroll: report failed status failed", zap.Error(err))
	}
}

func authorizationHeader(headers amqp.Table) string {
	if headers == nil {
		return ""
	}
	bearer, _ := headers["Authorization"].(string)
	return bearer
}
