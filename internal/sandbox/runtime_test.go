package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/apperr"
)

type fakeProvider struct {
	daily      []DailyRecord
	tasks      []TaskRecord
	objectives []ObjectiveRecord
	today      TodayInfo
}

func (f *fakeProvider) Daily(ctx context.Context, filters DailyFilters) ([]DailyRecord, error) {
	return f.daily, nil
}
func (f *fakeProvider) Tasks(ctx context.Context, filters TaskFilters) ([]TaskRecord, error) {
	return f.tasks, nil
}
func (f *fakeProvider) Objectives(ctx context.Context, filters ObjectiveFilters) ([]ObjectiveRecord, error) {
	return f.objectives, nil
}
func (f *fakeProvider) Today(ctx context.Context) (TodayInfo, error) {
	return f.today, nil
}

func TestRunReturnsLastExpression(t *testing.T) {
	out, err := Run(context.Background(), `1 + 2`, &fakeProvider{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), toInt64(t, out.ReturnValue))
}

func TestRunProgressSetLastCallWins(t *testing.T) {
	code := `progress.set(1, 4); progress.set(3, 4); "done"`
	out, err := Run(context.Background(), code, &fakeProvider{}, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Progress)
	assert.InDelta(t, 0.75, out.Progress.Score, 1e-9)
}

func TestRunProgressClampsAndSkipsZeroDenominator(t *testing.T) {
	code := `progress.set(10, 4); progress.set(5, 0); "x"`
	out, err := Run(context.Background(), code, &fakeProvider{}, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Progress)
	assert.Equal(t, 1.0, out.Progress.Score)
}

func TestRunRenderMarkdownOrdering(t *testing.T) {
	code := `render.markdown("a"); render.markdown("b"); 1`
	out, err := Run(context.Background(), code, &fakeProvider{}, nil)
	require.NoError(t, err)
	require.Len(t, out.Renders, 2)
	assert.Equal(t, "a", out.Renders[0].Markdown)
	assert.Equal(t, "b", out.Renders[1].Markdown)
}

func TestRunQDailySumHelper(t *testing.T) {
	fp := &fakeProvider{daily: []DailyRecord{
		{Date: "2025-06-01", Metrics: map[string]any{"steps": 100.0}},
		{Date: "2025-06-02", Metrics: map[string]any{"steps": 50.0}},
	}}
	code := `
		const rows = q.daily({});
		const metricsOnly = rows.map(r => r.metrics);
		q.sum(metricsOnly, "steps");
	`
	out, err := Run(context.Background(), code, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(150), toInt64(t, out.ReturnValue))
}

func TestRunInfiniteLoopIsTimedOut(t *testing.T) {
	out, err := Run(context.Background(), `while (true) {}`, &fakeProvider{}, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsSandboxTimeout(err))
	_ = out
}

func TestRunThrowingCodeIsScrubbedRuntimeError(t *testing.T) {
	_, err := Run(context.Background(), `throw new Error("boom")`, &fakeProvider{}, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsSandbox(err))
	assert.True(t, apperr.IsSandboxRuntimeError(err))
}

func TestRunParamsAreReadable(t *testing.T) {
	out, err := Run(context.Background(), `params.limit`, &fakeProvider{}, map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), toInt64(t, out.ReturnValue))
}

func TestRunCodeSizeLimitRejected(t *testing.T) {
	huge := make([]byte, DefaultLimits().maxCodeBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := Run(context.Background(), string(huge), &fakeProvider{}, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsSandboxOutputTooLarge(err))
}

func TestRunRenderOpLimitEnforced(t *testing.T) {
	code := `for (let i = 0; i < 2000; i++) { render.markdown("x"); } 1`
	_, err := Run(context.Background(), code, &fakeProvider{}, nil)
	require.Error(t, err)
}

func toInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	t.Fatalf("not a number: %v (%T)", v, v)
	return 0
}
