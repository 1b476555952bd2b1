package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orbit_test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestUser(t *testing.T, s *Store) domain.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), domain.User{
		Username:     "alice",
		WeekStartDay: domain.WeekStartMonday,
		Timezone:     "UTC",
	})
	require.NoError(t, err)
	return u
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)
	assert.NotEmpty(t, u.ID)

	fetched, err := s.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", fetched.Username)
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUser(context.Background(), "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestCreateUserDuplicateUsernameConflict(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s)
	_, err := s.CreateUser(context.Background(), domain.User{Username: "alice"})
	assert.True(t, apperr.IsConflict(err))
}

func TestGetOrCreatePeriodIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)
	month := 3

	p1, err := s.GetOrCreatePeriod(context.Background(), u.ID, domain.PeriodMonthly, 2025, &month, nil, nil)
	require.NoError(t, err)

	p2, err := s.GetOrCreatePeriod(context.Background(), u.ID, domain.PeriodMonthly, 2025, &month, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, p1.ID, p2.ID)
}

func TestTaskCascadesOnUserDelete(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)
	month := 1
	period, err := s.GetOrCreatePeriod(context.Background(), u.ID, domain.PeriodDaily, 2025, &month, nil, intPtr(1))
	require.NoError(t, err)

	task, err := s.CreateTask(context.Background(), domain.Task{UserID: u.ID, PeriodID: period.ID, Title: "write spec"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(context.Background(), u.ID))

	_, err = s.GetTask(context.Background(), u.ID, task.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestTimerStartStopRoundTrip(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)
	month, day := 1, 1
	period, err := s.GetOrCreatePeriod(context.Background(), u.ID, domain.PeriodDaily, 2025, &month, nil, &day)
	require.NoError(t, err)

	task, err := s.CreateTask(context.Background(), domain.Task{UserID: u.ID, PeriodID: period.ID, Title: "t", TimeSpentMs: 60000})
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	started, err := s.StartTimer(context.Background(), u.ID, task.ID, start)
	require.NoError(t, err)
	assert.NotNil(t, started.TimerStartedAt)

	_, err = s.StartTimer(context.Background(), u.ID, task.ID, start)
	assert.True(t, apperr.IsConflict(err))

	stop := start.Add(2 * time.Second)
	stopped, err := s.StopTimer(context.Background(), u.ID, task.ID, stop)
	require.NoError(t, err)
	assert.Nil(t, stopped.TimerStartedAt)
	assert.Equal(t, int64(62000), stopped.TimeSpentMs)

	// A second start immediately succeeds.
	_, err = s.StartTimer(context.Background(), u.ID, task.ID, stop)
	require.NoError(t, err)
}

func TestUpsertMetricValueAndReadBack(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)

	require.NoError(t, s.UpsertMetricValue(context.Background(), u.ID, "2025-03-14", "fitbit.steps", 10234.0, "fitbit"))

	values, err := s.GetMetricValuesForDate(context.Background(), u.ID, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, 10234.0, values["fitbit.steps"].Value)

	// Upsert replaces, doesn't duplicate.
	require.NoError(t, s.UpsertMetricValue(context.Background(), u.ID, "2025-03-14", "fitbit.steps", 11000.0, "fitbit"))
	values, err = s.GetMetricValuesForDate(context.Background(), u.ID, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, 11000.0, values["fitbit.steps"].Value)
}

func TestListActiveTemplatePicksGreatestEffectiveFrom(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)

	_, err := s.CreateMetricsTemplate(context.Background(), domain.MetricsTemplate{UserID: u.ID, Name: "v1", EffectiveFrom: "2025-01-01"})
	require.NoError(t, err)
	v2, err := s.CreateMetricsTemplate(context.Background(), domain.MetricsTemplate{UserID: u.ID, Name: "v2", EffectiveFrom: "2025-03-01"})
	require.NoError(t, err)

	active, ok, err := s.ListActiveTemplate(context.Background(), u.ID, "2025-06-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v2.ID, active.ID)

	_, ok, err = s.ListActiveTemplate(context.Background(), u.ID, "2024-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordExecutionTruncatesSnippet(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)

	bigCode := make([]byte, maxLoggedCodeSnippetBytes+500)
	for i := range bigCode {
		bigCode[i] = 'x'
	}

	require.NoError(t, s.RecordExecution(context.Background(), domain.QueryExecutionLog{
		UserID:      u.ID,
		CodeSnippet: string(bigCode),
		Success:     true,
	}))

	logs, err := s.ListExecutionLogs(context.Background(), u.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].CodeSnippet, maxLoggedCodeSnippetBytes)
}

func TestCountExecutionsSince(t *testing.T) {
	s := newTestStore(t)
	u := createTestUser(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordExecution(ctx, domain.QueryExecutionLog{UserID: u.ID, Success: true}))
	}

	n, err := s.CountExecutionsSince(ctx, u.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func intPtr(i int) *int { return &i }
