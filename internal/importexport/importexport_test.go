package importexport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/importexport"
	"github.com/zli117/Orbit-sub000/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orbit_test.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExportImportRoundTripThroughJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, domain.User{Username: "bob", WeekStartDay: domain.WeekStartMonday, Timezone: "UTC"})
	require.NoError(t, err)
	month, day := 6, 1
	period, err := s.GetOrCreatePeriod(ctx, u.ID, domain.PeriodDaily, 2025, &month, nil, &day)
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, domain.Task{UserID: u.ID, PeriodID: period.ID, Title: "exercise"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, importexport.Export(ctx, s, u.ID, &buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.EqualValues(t, importexport.CurrentSchemaVersion, doc["schemaVersion"])

	newUserID, err := importexport.Import(ctx, s, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.NotEqual(t, u.ID, newUserID)

	tasks, err := s.ListTasks(ctx, newUserID, store.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "exercise", tasks[0].Title)
}

func TestImportRejectsWrongSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := []byte(`{"schemaVersion": 999, "profile": {}}`)
	_, err := importexport.Import(ctx, s, bytes.NewReader(doc))
	assert.Error(t, err)
}

func TestImportRejectsMalformedJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := importexport.Import(ctx, s, bytes.NewReader([]byte("not json")))
	assert.Error(t, err)
}
