package templates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/domain"
)

type fakeStore struct {
	templates map[string]domain.MetricsTemplate
	values    map[string]map[string]domain.DailyMetricValue
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		templates: map[string]domain.MetricsTemplate{},
		values:    map[string]map[string]domain.DailyMetricValue{},
	}
}

func (f *fakeStore) ListActiveTemplate(ctx context.Context, userID, date string) (domain.MetricsTemplate, bool, error) {
	t, ok := f.templates[userID]
	return t, ok, nil
}

func (f *fakeStore) GetMetricValuesForDate(ctx context.Context, userID, date string) (map[string]domain.DailyMetricValue, error) {
	key := userID + "|" + date
	return f.values[key], nil
}

func (f *fakeStore) UpsertMetricValue(ctx context.Context, userID, date, name string, value any, source string) error {
	key := userID + "|" + date
	if f.values[key] == nil {
		f.values[key] = map[string]domain.DailyMetricValue{}
	}
	f.values[key][name] = domain.DailyMetricValue{UserID: userID, Date: date, MetricName: name, Value: value, Source: source}
	return nil
}

func TestResolveForDateScenario3(t *testing.T) {
	fs := newFakeStore()
	fs.templates["u1"] = domain.MetricsTemplate{
		UserID:        "u1",
		EffectiveFrom: "2025-01-01",
		MetricsDefinition: []domain.MetricDefinition{
			{Name: "sleep", Type: domain.MetricTypeInput, InputType: domain.MetricInputTime},
			{Name: "sleepHours", Type: domain.MetricTypeComputed, Expression: "parseTime(sleep)/60"},
		},
	}
	engine := &Engine{store: fs}

	require.NoError(t, engine.PutValues(context.Background(), "u1", "2025-06-01", map[string]any{"sleep": "07:30"}))

	res, err := engine.ResolveForDate(context.Background(), "u1", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, "07:30", res.Values["sleep"])
	assert.Equal(t, 7.5, res.Values["sleepHours"])
	assert.Empty(t, res.Errors)
}

func TestResolveForDateNoTemplate(t *testing.T) {
	fs := newFakeStore()
	engine := &Engine{store: fs}

	res, err := engine.ResolveForDate(context.Background(), "nobody", "2025-06-01")
	require.NoError(t, err)
	assert.Empty(t, res.Values)
}

func TestResolveForDateSurfacesExternalMetricUnderItsName(t *testing.T) {
	fs := newFakeStore()
	fs.templates["u1"] = domain.MetricsTemplate{
		UserID:        "u1",
		EffectiveFrom: "2025-01-01",
		MetricsDefinition: []domain.MetricDefinition{
			{Name: "steps", Type: domain.MetricTypeExternal, Source: "fitbit.steps"},
		},
	}
	engine := &Engine{store: fs}

	// The sync scheduler writes external values directly via the store,
	// keyed by its own "pluginId.fieldId" source key, not the template's
	// metric name.
	require.NoError(t, fs.UpsertMetricValue(context.Background(), "u1", "2025-06-01", "fitbit.steps", 5000.0, "fitbit"))

	res, err := engine.ResolveForDate(context.Background(), "u1", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, res.Values["steps"])
}

func TestPutValuesRejectsNonInputName(t *testing.T) {
	fs := newFakeStore()
	fs.templates["u1"] = domain.MetricsTemplate{
		UserID:        "u1",
		EffectiveFrom: "2025-01-01",
		MetricsDefinition: []domain.MetricDefinition{
			{Name: "steps", Type: domain.MetricTypeExternal, Source: "fitbit.steps"},
		},
	}
	engine := &Engine{store: fs}
	err := engine.PutValues(context.Background(), "u1", "2025-06-01", map[string]any{"steps": 1})
	assert.Error(t, err)
}

func TestValidateTemplateRejectsCycle(t *testing.T) {
	err := ValidateTemplate([]domain.MetricDefinition{
		{Name: "a", Type: domain.MetricTypeComputed, Expression: "b + 1"},
		{Name: "b", Type: domain.MetricTypeComputed, Expression: "a + 1"},
	})
	assert.Error(t, err)
}

func TestValidateTemplateRejectsDuplicateNames(t *testing.T) {
	err := ValidateTemplate([]domain.MetricDefinition{
		{Name: "steps", Type: domain.MetricTypeInput},
		{Name: "steps", Type: domain.MetricTypeInput},
	})
	assert.Error(t, err)
}
