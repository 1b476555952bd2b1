package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/domain"
)

func TestExportImportProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s)

	month, day := 6, 1
	period, err := s.GetOrCreatePeriod(ctx, u.ID, domain.PeriodDaily, 2025, &month, nil, &day)
	require.NoError(t, err)

	tag, err := s.CreateTag(ctx, domain.Tag{UserID: u.ID, Name: "deep-work"})
	require.NoError(t, err)

	task, err := s.CreateTask(ctx, domain.Task{UserID: u.ID, PeriodID: period.ID, Title: "write design doc"})
	require.NoError(t, err)
	require.NoError(t, s.AddTaskTag(ctx, task.ID, tag.ID))

	parent, err := s.CreateObjective(ctx, domain.Objective{UserID: u.ID, Level: domain.ObjectiveYearly, Year: 2025, Title: "grow"})
	require.NoError(t, err)
	child, err := s.CreateObjective(ctx, domain.Objective{UserID: u.ID, Level: domain.ObjectiveMonthly, Year: 2025, Month: &month, Title: "ship orbit", ParentID: &parent.ID})
	require.NoError(t, err)

	query, err := s.CreateSavedQuery(ctx, domain.SavedQuery{UserID: u.ID, Name: "steps-progress", Code: "return 1", QueryType: domain.QueryKRProgress})
	require.NoError(t, err)

	_, err = s.CreateKeyResult(ctx, domain.KeyResult{ObjectiveID: child.ID, UserID: u.ID, Title: "10k steps/day", Weight: 1, MeasurementType: domain.MeasurementCustomQuery, ProgressQueryID: &query.ID})
	require.NoError(t, err)

	widget, err := s.CreateDashboardWidget(ctx, domain.DashboardWidget{UserID: u.ID, Title: "steps", WidgetType: "chart", Config: map[string]any{"queryId": query.ID}})
	require.NoError(t, err)

	_, err = s.CreateMetricsTemplate(ctx, domain.MetricsTemplate{UserID: u.ID, Name: "v1", EffectiveFrom: "2025-01-01", MetricsDefinition: []domain.MetricDefinition{{Name: "steps", Label: "Steps", Type: domain.MetricTypeExternal, Source: "fitbit.steps"}}})
	require.NoError(t, err)

	require.NoError(t, s.UpsertMetricValue(ctx, u.ID, "2025-06-01", "fitbit.steps", 5000.0, "fitbit"))

	require.NoError(t, s.UpsertPluginConnection(ctx, domain.PluginConnection{
		UserID: u.ID, PluginID: "fitbit", Enabled: true,
		Credentials: domain.PluginCredentials{AccessToken: "secret-token", RefreshToken: "secret-refresh"},
	}))

	profile, err := s.ExportProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, profile.Periods, 1)
	assert.Len(t, profile.Tags, 1)
	assert.Len(t, profile.Tasks, 1)
	assert.Equal(t, []string{tag.ID}, profile.Tasks[0].TagIDs)
	assert.Len(t, profile.Objectives, 2)
	assert.Len(t, profile.KeyResults, 1)
	assert.Len(t, profile.Widgets, 1)
	assert.Equal(t, widget.Title, profile.Widgets[0].Title)
	assert.Equal(t, query.ID, profile.Widgets[0].Config["queryId"])

	for _, pc := range profile.PluginConnections {
		assert.Empty(t, pc.Credentials.AccessToken, "exported credentials must be zeroed")
		assert.Empty(t, pc.Credentials.RefreshToken)
	}

	newUserID, err := s.ImportProfile(ctx, profile)
	require.NoError(t, err)
	assert.NotEqual(t, u.ID, newUserID)

	reimported, err := s.ExportProfile(ctx, newUserID)
	require.NoError(t, err)
	assert.Len(t, reimported.Periods, 1)
	assert.Len(t, reimported.Tags, 1)
	require.Len(t, reimported.Tasks, 1)
	assert.Equal(t, "write design doc", reimported.Tasks[0].Title)
	require.Len(t, reimported.Tasks[0].TagIDs, 1)
	assert.NotEqual(t, tag.ID, reimported.Tasks[0].TagIDs[0])

	require.Len(t, reimported.Objectives, 2)
	var reimportedChild domain.Objective
	for _, o := range reimported.Objectives {
		if o.Title == "ship orbit" {
			reimportedChild = o
		}
	}
	require.NotEmpty(t, reimportedChild.ID)
	require.NotNil(t, reimportedChild.ParentID)
	assert.NotEqual(t, parent.ID, *reimportedChild.ParentID)

	require.Len(t, reimported.KeyResults, 1)
	require.NotNil(t, reimported.KeyResults[0].ProgressQueryID)
	assert.NotEqual(t, query.ID, *reimported.KeyResults[0].ProgressQueryID)

	require.Len(t, reimported.Widgets, 1)
	assert.NotEqual(t, query.ID, reimported.Widgets[0].Config["queryId"])

	require.Len(t, reimported.MetricValues, 1)
	assert.Equal(t, "fitbit.steps", reimported.MetricValues[0].MetricName)

	require.Len(t, reimported.PluginConnections, 1)
	assert.True(t, reimported.PluginConnections[0].Enabled)
	assert.Empty(t, reimported.PluginConnections[0].Credentials.AccessToken)
}

func TestImportProfileRejectsTaskWithUnknownPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	profile := Profile{
		User: domain.User{Username: "orphan"},
		Tasks: []TaskExport{
			{Task: domain.Task{PeriodID: "missing-period", Title: "ghost task"}},
		},
	}

	_, err := s.ImportProfile(ctx, profile)
	assert.Error(t, err)

	// Nothing should have been committed: the inserted user shouldn't
	// be importable on its own since the whole transaction rolled back.
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE username = 'orphan'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestListAllPeriodsAcrossTypes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s)

	month := 1
	_, err := s.GetOrCreatePeriod(ctx, u.ID, domain.PeriodYearly, 2025, nil, nil, nil)
	require.NoError(t, err)
	_, err = s.GetOrCreatePeriod(ctx, u.ID, domain.PeriodMonthly, 2025, &month, nil, nil)
	require.NoError(t, err)

	periods, err := s.ListAllPeriods(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, periods, 2)
}

func TestListAllMetricValuesSpansDates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, s)

	require.NoError(t, s.UpsertMetricValue(ctx, u.ID, "2025-01-01", "manual.mood", 3.0, "manual"))
	require.NoError(t, s.UpsertMetricValue(ctx, u.ID, "2025-06-01", "manual.mood", 4.0, "manual"))

	values, err := s.ListAllMetricValues(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "2025-01-01", values[0].Date)
	assert.Equal(t, "2025-06-01", values[1].Date)
}
