package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
	"github.com/mistervb/meli-climate-notifications/internal/metrics"
	"github.com/mistervb/meli-climate-notifications/internal/testutil"
)

// mockStore serves a fixed due set and records saves.
type mockStore struct {
	mu        sync.Mutex
	schedules []domain.Schedule
	saved     map[uuid.UUID]domain.Schedule
	saveErr   error
}

func newMockStore(schedules ...domain.Schedule) *mockStore {
	return &mockStore{schedules: schedules, saved: make(map[uuid.UUID]domain.Schedule)}
}

func (s *mockStore) FindDue(_ context.Context, _, _, _ time.Time) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out, nil
}

func (s *mockStore) Save(_ context.Context, sched domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[sched.ID] = sched
	return nil
}

func (s *mockStore) savedSchedule(t *testing.T, id uuid.UUID) domain.Schedule {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.saved[id]
	if !ok {
		t.Fatalf("schedule %s was never saved", id)
	}
	return sched
}

func (s *mockStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// mockLocks emulates SetNX lease and processed-marker semantics in memory.
// Shared between processors it behaves like one redis.
type mockLocks struct {
	mu        sync.Mutex
	held      map[uuid.UUID]bool
	processed map[uuid.UUID]bool
	releases  int
}

func newMockLocks() *mockLocks {
	return &mockLocks{held: make(map[uuid.UUID]bool), processed: make(map[uuid.UUID]bool)}
}

func (m *mockLocks) Acquire(_ context.Context, id uuid.UUID, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[id] {
		return false, nil
	}
	m.held[id] = true
	return true, nil
}

func (m *mockLocks) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, id)
	m.releases++
	return nil
}

func (m *mockLocks) IsProcessed(_ context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[id], nil
}

func (m *mockLocks) MarkProcessed(_ context.Context, id uuid.UUID, _ time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = true
	return nil
}

func (m *mockLocks) isMarked(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[id]
}

func (m *mockLocks) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

type mockOptOut struct {
	optedOut map[uuid.UUID]bool
}

func (m *mockOptOut) IsOptedOut(_ context.Context, userID uuid.UUID) (bool, error) {
	return m.optedOut[userID], nil
}

type mockWeather struct {
	mu       sync.Mutex
	forecast domain.Forecast
	err      error
	calls    int
}

func (m *mockWeather) Forecast(_ context.Context, _ string) (domain.Forecast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return domain.Forecast{}, m.err
	}
	return m.forecast, nil
}

type published struct {
	n     domain.WeatherNotification
	token string
}

type mockPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (m *mockPublisher) Publish(_ context.Context, n domain.WeatherNotification, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, published{n: n, token: token})
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type statusCall struct {
	id     uuid.UUID
	update domain.StatusUpdate
}

type mockStatus struct {
	mu    sync.Mutex
	calls []statusCall
}

func (m *mockStatus) UpdateStatus(_ context.Context, id uuid.UUID, update domain.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, statusCall{id: id, update: update})
	return nil
}

// mockTokens treats "enc:" as the sealed form and refreshes to a fixed value.
type mockTokens struct {
	expired bool
}

func (m *mockTokens) Decrypt(encrypted string) (string, error) {
	plain, ok := strings.CutPrefix(encrypted, "enc:")
	if !ok {
		return "", errors.New("not sealed")
	}
	return plain, nil
}

func (m *mockTokens) Encrypt(token string) (string, error) { return "enc:" + token, nil }

func (m *mockTokens) IsExpired(string) bool { return m.expired }

func (m *mockTokens) Refresh(string) (string, error) { return "refreshed-token", nil }

// passRetrier runs the operation once; backoff behavior is covered by the
// retry package's own tests.
type passRetrier struct{}

func (passRetrier) Do(_ context.Context, op func() error) error { return op() }

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

func testForecast() domain.Forecast {
	return domain.Forecast{
		CityName: "São Paulo",
		UF:       "SP",
		Days: []domain.ForecastDay{
			{Date: "2024-05-02", Condition: "pt", Min: 18, Max: 27, UV: 7},
			{Date: "2024-05-03", Condition: "c", Min: 17, Max: 24, UV: 6},
		},
	}
}

func dailySchedule() domain.Schedule {
	return domain.Schedule{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		UserID:         uuid.New(),
		CityID:         "244",
		CityName:       "São Paulo",
		UF:             "SP",
		Recurrence:     domain.Daily{TimeOfDay: domain.TimeOfDay{Hour: 9, Minute: 0}},
		NextExecution:  testNow,
		Status:         domain.ScheduleActive,
	}
}

type fixture struct {
	store   *mockStore
	locks   *mockLocks
	optout  *mockOptOut
	weather *mockWeather
	pub     *mockPublisher
	status  *mockStatus
	tokens  *mockTokens
	proc    *Processor
}

func newFixture(schedules ...domain.Schedule) *fixture {
	f := &fixture{
		store:   newMockStore(schedules...),
		locks:   newMockLocks(),
		optout:  &mockOptOut{optedOut: make(map[uuid.UUID]bool)},
		weather: &mockWeather{forecast: testForecast()},
		pub:     &mockPublisher{},
		status:  &mockStatus{},
		tokens:  &mockTokens{},
	}
	cfg := Config{
		Tolerance:    2 * time.Second,
		LockLease:    5 * time.Minute,
		ProcessedTTL: time.Hour,
	}
	f.proc = New(cfg, Deps{
		Store:   f.store,
		Locks:   f.locks,
		OptOut:  f.optout,
		Weather: f.weather,
		Publish: f.pub,
		Status:  f.status,
		Tokens:  f.tokens,
		Retrier: passRetrier{},
	}, zap.NewNop()).WithMetrics(metrics.NewNoopSink())
	f.proc.clock = testutil.NewFakeClock(testNow).Now
	return f
}

func TestProcessTick_DailySuccessAdvances(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 1 {
		t.Fatalf("published %d notifications, want 1", f.pub.count())
	}
	sent := f.pub.sent[0]
	if sent.n.MinTemp != 18 || sent.n.MaxTemp != 27 || sent.n.Date != "2024-05-02" {
		t.Errorf("notification = %+v", sent.n)
	}
	if !strings.Contains(sent.n.Message, "São Paulo") {
		t.Errorf("message = %q", sent.n.Message)
	}

	saved := f.store.savedSchedule(t, sched.ID)
	if saved.Status != domain.ScheduleActive {
		t.Errorf("status = %s, want ACTIVE", saved.Status)
	}
	if !saved.NextExecution.After(testNow) {
		t.Errorf("next execution %s not after %s", saved.NextExecution, testNow)
	}

	if len(f.status.calls) != 1 || f.status.calls[0].update.Status != domain.NotificationExecuted {
		t.Errorf("status calls = %+v", f.status.calls)
	}
	if !f.locks.isMarked(sched.ID) {
		t.Error("processed marker not set")
	}
	if f.locks.releaseCount() != 1 {
		t.Errorf("release count = %d, want 1", f.locks.releaseCount())
	}
}

func TestProcessTick_OnceCompletes(t *testing.T) {
	sched := dailySchedule()
	sched.Recurrence = domain.Once{At: testNow}
	f := newFixture(sched)

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 1 {
		t.Fatalf("published %d, want 1", f.pub.count())
	}
	if saved := f.store.savedSchedule(t, sched.ID); saved.Status != domain.ScheduleCompleted {
		t.Errorf("status = %s, want COMPLETED", saved.Status)
	}
}

func TestProcessTick_OnceOutsideToleranceSkipped(t *testing.T) {
	sched := dailySchedule()
	sched.Recurrence = domain.Once{At: testNow.Add(-10 * time.Second)}
	sched.NextExecution = testNow.Add(-10 * time.Second)
	f := newFixture(sched)

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 0 {
		t.Errorf("published %d, want 0", f.pub.count())
	}
	if f.store.saveCount() != 0 {
		t.Errorf("saves = %d, want 0", f.store.saveCount())
	}
	if f.locks.isMarked(sched.ID) {
		t.Error("processed marker set for a skipped schedule")
	}
	if f.locks.releaseCount() != 1 {
		t.Errorf("release count = %d, want 1", f.locks.releaseCount())
	}
}

func TestProcessTick_DedupSkips(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)
	f.locks.processed[sched.ID] = true

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 0 {
		t.Errorf("published %d, want 0", f.pub.count())
	}
	if f.weather.calls != 0 {
		t.Errorf("weather calls = %d, want 0", f.weather.calls)
	}
}

func TestProcessTick_LockHeldSkips(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)
	f.locks.held[sched.ID] = true

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 0 {
		t.Errorf("published %d, want 0", f.pub.count())
	}
	if f.locks.releaseCount() != 0 {
		t.Errorf("release count = %d, want 0", f.locks.releaseCount())
	}
}

func TestProcessTick_OptedOutSkipsWithoutMarker(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)
	f.optout.optedOut[sched.UserID] = true

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 0 {
		t.Errorf("published %d, want 0", f.pub.count())
	}
	if f.locks.isMarked(sched.ID) {
		t.Error("processed marker set for an opted-out user")
	}
	if f.store.saveCount() != 0 {
		t.Errorf("saves = %d, want 0", f.store.saveCount())
	}
}

func TestProcessTick_FailureMarksError(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)
	f.weather.err = errors.New("upstream returned garbage")

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 0 {
		t.Errorf("published %d, want 0", f.pub.count())
	}
	if saved := f.store.savedSchedule(t, sched.ID); saved.Status != domain.ScheduleError {
		t.Errorf("status = %s, want ERROR", saved.Status)
	}
	if len(f.status.calls) != 1 || f.status.calls[0].update.Status != domain.NotificationFailed {
		t.Fatalf("status calls = %+v", f.status.calls)
	}
	if msg := f.status.calls[0].update.Message; !strings.Contains(msg, "garbage") {
		t.Errorf("failure message = %q", msg)
	}
	if f.locks.isMarked(sched.ID) {
		t.Error("processed marker set on failure")
	}
	if f.locks.releaseCount() != 1 {
		t.Errorf("release count = %d, want 1", f.locks.releaseCount())
	}
}

func TestProcessTick_EmptyForecastFails(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)
	f.weather.forecast = domain.Forecast{CityName: "São Paulo", UF: "SP"}

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if saved := f.store.savedSchedule(t, sched.ID); saved.Status != domain.ScheduleError {
		t.Errorf("status = %s, want ERROR", saved.Status)
	}
	if msg := f.status.calls[0].update.Message; !strings.Contains(msg, ErrNoForecast.Error()) {
		t.Errorf("failure message = %q", msg)
	}
}

func TestProcessTick_EndDateCompletes(t *testing.T) {
	sched := dailySchedule()
	end := testNow.Add(6 * time.Hour) // before tomorrow's occurrence
	sched.EndDate = &end
	f := newFixture(sched)

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 1 {
		t.Fatalf("published %d, want 1", f.pub.count())
	}
	if saved := f.store.savedSchedule(t, sched.ID); saved.Status != domain.ScheduleCompleted {
		t.Errorf("status = %s, want COMPLETED", saved.Status)
	}
}

func TestProcessTick_ExpiredTokenRotated(t *testing.T) {
	sched := dailySchedule()
	sched.AuthToken = "enc:old-token"
	f := newFixture(sched)
	f.tokens.expired = true

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 1 {
		t.Fatalf("published %d, want 1", f.pub.count())
	}
	if got := f.pub.sent[0].token; got != "Bearer refreshed-token" {
		t.Errorf("published token = %q", got)
	}
	if saved := f.store.savedSchedule(t, sched.ID); saved.AuthToken != "enc:refreshed-token" {
		t.Errorf("stored token = %q", saved.AuthToken)
	}
}

func TestProcessTick_NoTokenNoHeader(t *testing.T) {
	sched := dailySchedule()
	f := newFixture(sched)

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if got := f.pub.sent[0].token; got != "" {
		t.Errorf("published token = %q, want empty", got)
	}
}

func TestProcessTick_ProcessingOrderDeterministic(t *testing.T) {
	later := dailySchedule()
	later.NextExecution = testNow.Add(time.Second)
	earlier := dailySchedule()
	earlier.NextExecution = testNow.Add(-time.Second)

	// Store returns them out of order on purpose.
	f := newFixture(later, earlier)

	if err := f.proc.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if f.pub.count() != 2 {
		t.Fatalf("published %d, want 2", f.pub.count())
	}
	if f.pub.sent[0].n.NotificationID != earlier.NotificationID {
		t.Error("earlier schedule was not processed first")
	}
}

// TestProcessTick_ConcurrentWorkersSingleSend runs several workers over the
// same schedule and shared coordination state; exactly one may send.
func TestProcessTick_ConcurrentWorkersSingleSend(t *testing.T) {
	sched := dailySchedule()
	shared := newFixture(sched)

	const workers = 8
	procs := make([]*Processor, workers)
	for i := range procs {
		f := newFixture(sched)
		f.proc = New(Config{
			Tolerance:    2 * time.Second,
			LockLease:    5 * time.Minute,
			ProcessedTTL: time.Hour,
		}, Deps{
			Store:   f.store,
			Locks:   shared.locks,
			OptOut:  f.optout,
			Weather: f.weather,
			Publish: shared.pub,
			Status:  shared.status,
			Tokens:  f.tokens,
			Retrier: passRetrier{},
		}, zap.NewNop())
		f.proc.clock = testutil.NewFakeClock(testNow).Now
		procs[i] = f.proc
	}

	ctx := testutil.TestContext(t)
	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			if err := p.ProcessTick(ctx); err != nil {
				t.Errorf("ProcessTick: %v", err)
			}
		}(proc)
	}
	wg.Wait()

	if shared.pub.count() != 1 {
		t.Fatalf("published %d notifications across %d workers, want exactly 1",
			shared.pub.count(), workers)
	}
}
