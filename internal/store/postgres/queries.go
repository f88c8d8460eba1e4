package postgres

const querySchema = `
CREATE TABLE IF NOT EXISTS schedules (
    id              UUID PRIMARY KEY,
    notification_id UUID NOT NULL,
    user_id         UUID NOT NULL,
    city_id         TEXT NOT NULL,
    city_name       TEXT NOT NULL,
    uf              CHAR(2) NOT NULL,
    schedule_type   TEXT NOT NULL,
    schedule_time   CHAR(5),
    day_of_week     SMALLINT,
    next_execution  TIMESTAMPTZ NOT NULL,
    end_date        TIMESTAMPTZ,
    status          TEXT NOT NULL DEFAULT 'ACTIVE',
    auth_token      TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_schedules_due
    ON schedules (next_execution)
    WHERE status = 'ACTIVE';
`

// queryFindDue matches ACTIVE schedules due within the tolerance window plus
// any already-overdue ones, so a delayed tick can never permanently miss a
// schedule. Ordering is deterministic across runs.
const queryFindDue = `
SELECT
    id, notification_id, user_id, city_id, city_name, uf,
    schedule_type, schedule_time, day_of_week,
    next_execution, end_date, status, auth_token,
    created_at, updated_at
FROM schedules
WHERE status = 'ACTIVE'
  AND (next_execution BETWEEN $1 AND $2 OR next_execution <= $3)
  AND (end_date IS NULL OR end_date > $3)
ORDER BY next_execution ASC, id ASC
`

const queryInsertSchedule = `
INSERT INTO schedules (
    id, notification_id, user_id, city_id, city_name, uf,
    schedule_type, schedule_time, day_of_week,
    next_execution, end_date, status, auth_token,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

const queryUpdateSchedule = `
UPDATE schedules
SET next_execution = $2,
    status = $3,
    auth_token = $4,
    updated_at = $5
WHERE id = $1
`

const queryGetSchedule = `
SELECT
    id, notification_id, user_id, city_id, city_name, uf,
    schedule_type, schedule_time, day_of_week,
    next_execution, end_date, status, auth_token,
    created_at, updated_at
FROM schedules
WHERE id = $1
`
