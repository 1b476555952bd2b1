package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/audit"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/store"
)

type fakeQueryStore struct {
	users        map[string]domain.User
	savedQueries map[string]domain.SavedQuery
	keyResults   map[string]domain.KeyResult
	logs         []domain.QueryExecutionLog
}

func newFakeQueryStore() *fakeQueryStore {
	return &fakeQueryStore{
		users:        map[string]domain.User{},
		savedQueries: map[string]domain.SavedQuery{},
		keyResults:   map[string]domain.KeyResult{},
	}
}

func (f *fakeQueryStore) GetUser(ctx context.Context, userID string) (domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return domain.User{}, apperr.New("fake.GetUser", apperr.KindNotFound, apperr.ErrNotFound)
	}
	return u, nil
}
func (f *fakeQueryStore) ListPeriods(ctx context.Context, userID string, ptype domain.PeriodType, year *int) ([]domain.TimePeriod, error) {
	return nil, nil
}
func (f *fakeQueryStore) ListTasks(ctx context.Context, userID string, filters store.TaskFilters) ([]domain.Task, error) {
	return nil, nil
}
func (f *fakeQueryStore) TagNamesForTask(ctx context.Context, taskID string) ([]string, error) {
	return nil, nil
}
func (f *fakeQueryStore) ListObjectives(ctx context.Context, userID string, year int, level *domain.ObjectiveLevel) ([]domain.Objective, error) {
	return nil, nil
}
func (f *fakeQueryStore) ListKeyResultsByObjective(ctx context.Context, objectiveID string) ([]domain.KeyResult, error) {
	return nil, nil
}
func (f *fakeQueryStore) ListMetricValuesInRange(ctx context.Context, userID string, r store.DateRangeFilter) (map[string]map[string]any, error) {
	return nil, nil
}
func (f *fakeQueryStore) GetSavedQuery(ctx context.Context, userID, queryID string) (domain.SavedQuery, error) {
	q, ok := f.savedQueries[queryID]
	if !ok {
		return domain.SavedQuery{}, apperr.New("fake.GetSavedQuery", apperr.KindNotFound, apperr.ErrNotFound)
	}
	return q, nil
}
func (f *fakeQueryStore) RecordExecution(ctx context.Context, log domain.QueryExecutionLog) error {
	f.logs = append(f.logs, log)
	return nil
}
func (f *fakeQueryStore) GetKeyResult(ctx context.Context, userID, krID string) (domain.KeyResult, error) {
	kr, ok := f.keyResults[krID]
	if !ok {
		return domain.KeyResult{}, apperr.New("fake.GetKeyResult", apperr.KindNotFound, apperr.ErrNotFound)
	}
	return kr, nil
}
func (f *fakeQueryStore) UpdateKeyResultScore(ctx context.Context, userID, krID string, score float64) error {
	kr := f.keyResults[krID]
	kr.Score = score
	f.keyResults[krID] = kr
	return nil
}

func newExecutor(fs *fakeQueryStore) *Executor {
	return &Executor{store: fs, limiter: audit.NewSlidingWindowLimiter()}
}

func TestExecuteReturnsOutcome(t *testing.T) {
	fs := newFakeQueryStore()
	fs.users["u1"] = domain.User{ID: "u1"}
	ex := newExecutor(fs)

	outcome, err := ex.Execute(context.Background(), Request{UserID: "u1", Code: `1 + 1`})
	require.NoError(t, err)
	assert.Equal(t, int64(2), outcome.ReturnValue)
	require.Len(t, fs.logs, 1)
	assert.True(t, fs.logs[0].Success)
}

func TestExecuteResolvesSavedQuery(t *testing.T) {
	fs := newFakeQueryStore()
	fs.users["u1"] = domain.User{ID: "u1"}
	fs.savedQueries["q1"] = domain.SavedQuery{ID: "q1", UserID: "u1", Code: `"hello"`}
	ex := newExecutor(fs)

	outcome, err := ex.Execute(context.Background(), Request{UserID: "u1", QueryID: "q1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", outcome.ReturnValue)
}

func TestExecuteRateLimitedStopsAtGate(t *testing.T) {
	fs := newFakeQueryStore()
	fs.users["u1"] = domain.User{ID: "u1"}
	ex := newExecutor(fs)

	now := time.Now()
	for i := 0; i < 30; i++ {
		ex.limiter.Allow("u1", now)
	}
	_, err := ex.Execute(context.Background(), Request{UserID: "u1", Code: `1`})
	require.Error(t, err)
	assert.True(t, apperr.IsRateLimited(err))
	require.Len(t, fs.logs, 1)
	assert.True(t, fs.logs[0].RateLimited)
}

func TestEvaluateKRsMissingProgressIsError(t *testing.T) {
	fs := newFakeQueryStore()
	fs.users["u1"] = domain.User{ID: "u1"}
	code := `42` // never calls progress.set
	fs.keyResults["kr1"] = domain.KeyResult{
		ID: "kr1", UserID: "u1", MeasurementType: domain.MeasurementCustomQuery,
		ProgressQueryCode: &code,
	}
	ex := newExecutor(fs)

	results := ex.EvaluateKRs(context.Background(), "u1", []string{"kr1"})
	require.Contains(t, results, "kr1")
	assert.NotEmpty(t, results["kr1"].Error)
}

func TestEvaluateKRsPersistsScoreAboveThreshold(t *testing.T) {
	fs := newFakeQueryStore()
	fs.users["u1"] = domain.User{ID: "u1"}
	code := `progress.set(3, 4)`
	fs.keyResults["kr1"] = domain.KeyResult{
		ID: "kr1", UserID: "u1", MeasurementType: domain.MeasurementCustomQuery,
		ProgressQueryCode: &code, Score: 0,
	}
	ex := newExecutor(fs)

	results := ex.EvaluateKRs(context.Background(), "u1", []string{"kr1"})
	assert.Empty(t, results["kr1"].Error)
	assert.Equal(t, 0.75, results["kr1"].Score)
	assert.Equal(t, 0.75, fs.keyResults["kr1"].Score)
}

func TestEvaluateKRsSkipsPersistBelowThreshold(t *testing.T) {
	fs := newFakeQueryStore()
	fs.users["u1"] = domain.User{ID: "u1"}
	code := `progress.set(1, 2)`
	fs.keyResults["kr1"] = domain.KeyResult{
		ID: "kr1", UserID: "u1", MeasurementType: domain.MeasurementCustomQuery,
		ProgressQueryCode: &code, Score: 0.5,
	}
	ex := newExecutor(fs)

	results := ex.EvaluateKRs(context.Background(), "u1", []string{"kr1"})
	assert.Empty(t, results["kr1"].Error)
	assert.Equal(t, 0.5, fs.keyResults["kr1"].Score)
}
