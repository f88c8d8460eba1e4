// Package postgres implements the schedule store. The schedules table is
// also the scheduler's work queue: due rows are selected per tick, no
// separate queue exists.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the schedules table and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// FindDue returns ACTIVE schedules due inside [windowStart, windowEnd] or
// already overdue at now, excluding ended ones, ordered by next_execution
// then id.
func (s *Store) FindDue(ctx context.Context, windowStart, windowEnd, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryFindDue, windowStart.UTC(), windowEnd.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("find due: %w", err)
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find due: %w", err)
	}
	return result, nil
}

// Save persists the scheduler-mutated fields: next execution, status and the
// (possibly rotated) encrypted token.
func (s *Store) Save(ctx context.Context, sched domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, queryUpdateSchedule,
		sched.ID,
		sched.NextExecution.UTC(),
		string(sched.Status),
		nullString(sched.AuthToken),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sched.ID, err)
	}
	return nil
}

// Create inserts a newly enrolled schedule.
func (s *Store) Create(ctx context.Context, sched domain.Schedule) error {
	scheduleTime, dayOfWeek := recurrenceColumns(sched.Recurrence)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.NotificationID,
		sched.UserID,
		sched.CityID,
		sched.CityName,
		sched.UF,
		string(sched.Recurrence.Type()),
		scheduleTime,
		dayOfWeek,
		sched.NextExecution.UTC(),
		nullTime(sched.EndDate),
		string(sched.Status),
		nullString(sched.AuthToken),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", sched.ID, err)
	}
	return nil
}

// GetByID returns one schedule.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, queryGetSchedule, id)
	sched, err := scanSchedule(row)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sched, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		sched        domain.Schedule
		scheduleType string
		scheduleTime sql.NullString
		dayOfWeek    sql.NullInt64
		endDate      sql.NullTime
		authToken    sql.NullString
		status       string
	)

	err := row.Scan(
		&sched.ID,
		&sched.NotificationID,
		&sched.UserID,
		&sched.CityID,
		&sched.CityName,
		&sched.UF,
		&scheduleType,
		&scheduleTime,
		&dayOfWeek,
		&sched.NextExecution,
		&endDate,
		&status,
		&authToken,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}

	sched.Status = domain.ScheduleStatus(status)
	sched.NextExecution = sched.NextExecution.UTC()
	if endDate.Valid {
		t := endDate.Time.UTC()
		sched.EndDate = &t
	}
	if authToken.Valid {
		sched.AuthToken = authToken.String
	}

	rec, err := buildRecurrence(scheduleType, scheduleTime, dayOfWeek, sched.NextExecution)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", sched.ID, err)
	}
	sched.Recurrence = rec

	return sched, nil
}

// buildRecurrence reconstructs the recurrence variant from its flat columns.
func buildRecurrence(scheduleType string, scheduleTime sql.NullString, dayOfWeek sql.NullInt64, nextExecution time.Time) (domain.Recurrence, error) {
	switch domain.ScheduleType(scheduleType) {
	case domain.ScheduleOnce:
		return domain.Once{At: nextExecution}, nil

	case domain.ScheduleDaily:
		tod, err := parseTimeColumn(scheduleTime)
		if err != nil {
			return nil, err
		}
		return domain.Daily{TimeOfDay: tod}, nil

	case domain.ScheduleWeekly:
		tod, err := parseTimeColumn(scheduleTime)
		if err != nil {
			return nil, err
		}
		if !dayOfWeek.Valid {
			return nil, fmt.Errorf("weekly schedule missing day_of_week")
		}
		weekday, err := domain.WeekdayFromISO(int(dayOfWeek.Int64))
		if err != nil {
			return nil, err
		}
		return domain.Weekly{TimeOfDay: tod, Weekday: weekday}, nil

	default:
		return nil, fmt.Errorf("unsupported schedule type %q", scheduleType)
	}
}

func parseTimeColumn(col sql.NullString) (domain.TimeOfDay, error) {
	if !col.Valid {
		return domain.TimeOfDay{}, fmt.Errorf("recurring schedule missing schedule_time")
	}
	return domain.ParseTimeOfDay(strings.TrimSpace(col.String))
}

func recurrenceColumns(rec domain.Recurrence) (scheduleTime sql.NullString, dayOfWeek sql.NullInt64) {
	switch r := rec.(type) {
	case domain.Daily:
		scheduleTime = sql.NullString{String: r.TimeOfDay.String(), Valid: true}
	case domain.Weekly:
		scheduleTime = sql.NullString{String: r.TimeOfDay.String(), Valid: true}
		dayOfWeek = sql.NullInt64{Int64: int64(domain.ISOWeekday(r.Weekday)), Valid: true}
	}
	return scheduleTime, dayOfWeek
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
