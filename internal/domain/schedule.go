package domain

import (
	"time"

	"github.com/google/uuid"
)

// LocalZone is the single civil timezone all schedule times are interpreted
// in. Recurrence fields are local; NextExecution is always UTC.
var LocalZone = mustLoadLocation("America/Sao_Paulo")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("domain: load location " + name + ": " + err.Error())
	}
	return loc
}

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleCompleted ScheduleStatus = "COMPLETED"
	ScheduleError     ScheduleStatus = "ERROR"
)

type Schedule struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	UserID         uuid.UUID

	CityID   string
	CityName string
	UF       string

	Recurrence Recurrence

	NextExecution time.Time  // UTC
	EndDate       *time.Time // inclusive upper bound, nil = unbounded
	Status        ScheduleStatus

	// AuthToken is the AES-encrypted bearer token attached to the delivery
	// call. Empty means the schedule was created without credentials.
	AuthToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}
