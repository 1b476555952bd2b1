package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
)

// ---- Additional per-user listings, used by whole-profile export -----------

// ListAllPeriods returns every period for a user, across all types.
func (s *Store) ListAllPeriods(ctx context.Context, userID string) ([]domain.TimePeriod, error) {
	const op = "store.ListAllPeriods"
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, type, year, month, week, day FROM time_periods WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.TimePeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListTags returns every tag owned by a user.
func (s *Store) ListTags(ctx context.Context, userID string) ([]domain.Tag, error) {
	const op = "store.ListTags"
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name FROM tags WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTag inserts a new tag.
func (s *Store) CreateTag(ctx context.Context, t domain.Tag) (domain.Tag, error) {
	const op = "store.CreateTag"
	t.ID = newID()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tags (id, user_id, name) VALUES (?, ?, ?)`, t.ID, t.UserID, t.Name)
	if err != nil {
		return domain.Tag{}, apperr.New(op, apperr.KindInternal, err)
	}
	return t, nil
}

// TagIDsForTask returns the ids of every tag attached to a task.
func (s *Store) TagIDsForTask(ctx context.Context, taskID string) ([]string, error) {
	const op = "store.TagIDsForTask"
	rows, err := s.db.QueryContext(ctx, `SELECT tag_id FROM task_tags WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddTaskTag attaches a tag to a task via the junction table.
func (s *Store) AddTaskTag(ctx context.Context, taskID, tagID string) error {
	const op = "store.AddTaskTag"
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_tags (task_id, tag_id) VALUES (?, ?)
		ON CONFLICT(task_id, tag_id) DO NOTHING`, taskID, tagID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

// ListSavedQueries returns every saved query owned by a user.
func (s *Store) ListSavedQueries(ctx context.Context, userID string) ([]domain.SavedQuery, error) {
	const op = "store.ListSavedQueries"
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, code, query_type, created_at, updated_at
		FROM saved_queries WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.SavedQuery
	for rows.Next() {
		q, err := scanSavedQuery(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanWidget(row rowScanner) (domain.DashboardWidget, error) {
	var w domain.DashboardWidget
	var config string
	if err := row.Scan(&w.ID, &w.UserID, &w.Title, &w.WidgetType, &config, &w.SortOrder, &w.Page); err != nil {
		return domain.DashboardWidget{}, err
	}
	w.Config = map[string]any{}
	_ = json.Unmarshal([]byte(config), &w.Config)
	return w, nil
}

// ListDashboardWidgets returns every widget owned by a user.
func (s *Store) ListDashboardWidgets(ctx context.Context, userID string) ([]domain.DashboardWidget, error) {
	const op = "store.ListDashboardWidgets"
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, widget_type, config, sort_order, page
		FROM dashboard_widgets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.DashboardWidget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateDashboardWidget inserts a new dashboard widget.
func (s *Store) CreateDashboardWidget(ctx context.Context, w domain.DashboardWidget) (domain.DashboardWidget, error) {
	const op = "store.CreateDashboardWidget"
	w.ID = newID()
	config, err := json.Marshal(w.Config)
	if err != nil {
		return domain.DashboardWidget{}, apperr.New(op, apperr.KindValidation, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO dashboard_widgets (id, user_id, title, widget_type, config, sort_order, page)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, w.ID, w.UserID, w.Title, w.WidgetType, string(config), w.SortOrder, w.Page)
	if err != nil {
		return domain.DashboardWidget{}, apperr.New(op, apperr.KindInternal, err)
	}
	return w, nil
}

// ListMetricsTemplates returns every template version owned by a user.
func (s *Store) ListMetricsTemplates(ctx context.Context, userID string) ([]domain.MetricsTemplate, error) {
	const op = "store.ListMetricsTemplates"
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, effective_from, metrics_definition
		FROM metrics_templates WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.MetricsTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllMetricValues returns every daily metric value row owned by a
// user, across every date.
func (s *Store) ListAllMetricValues(ctx context.Context, userID string) ([]domain.DailyMetricValue, error) {
	const op = "store.ListAllMetricValues"
	rows, err := s.db.QueryContext(ctx, `SELECT date, metric_name, value, source FROM daily_metric_values
		WHERE user_id = ? ORDER BY date ASC`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.DailyMetricValue
	for rows.Next() {
		var v domain.DailyMetricValue
		var raw sql.NullString
		if err := rows.Scan(&v.Date, &v.MetricName, &raw, &v.Source); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		if raw.Valid {
			_ = json.Unmarshal([]byte(raw.String), &v.Value)
		}
		v.UserID = userID
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListPluginConnectionsForUser returns every plugin connection row for
// one user, enabled or not.
func (s *Store) ListPluginConnectionsForUser(ctx context.Context, userID string) ([]domain.PluginConnection, error) {
	const op = "store.ListPluginConnectionsForUser"
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, plugin_id, enabled, access_token, refresh_token, expires_at, token_type, scope, last_sync
		FROM plugin_connections WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.PluginConnection
	for rows.Next() {
		pc, err := s.scanPluginConnection(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// ---- Whole-profile export/import (component L) ----------------------------

// TaskExport is a Task plus its tag ids, since tag ids are remapped on
// import and don't round-trip through the plain domain.Task.
type TaskExport struct {
	domain.Task
	TagIDs []string
}

// Profile is the full portable representation of one user's data.
// Every id in it is the id as it existed in the source store; Import
// assigns fresh ids and rewires every cross-reference, per spec.md's
// "reproduces every per-user row up to stable id remapping".
type Profile struct {
	User              domain.User
	Periods           []domain.TimePeriod
	Tags              []domain.Tag
	Tasks             []TaskExport
	Objectives        []domain.Objective
	KeyResults        []domain.KeyResult
	SavedQueries      []domain.SavedQuery
	Widgets           []domain.DashboardWidget
	Templates         []domain.MetricsTemplate
	MetricValues      []domain.DailyMetricValue
	PluginConnections []domain.PluginConnection
}

// ExportProfile gathers every row owned by userID into a Profile.
// Plugin credentials are never exported: a portable JSON document is
// not a safe place to carry live OAuth tokens, so connections are
// exported with Enabled/LastSync only and blank Credentials.
func (s *Store) ExportProfile(ctx context.Context, userID string) (Profile, error) {
	const op = "store.ExportProfile"

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	periods, err := s.ListAllPeriods(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	tags, err := s.ListTags(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	tasks, err := s.ListTasks(ctx, userID, TaskFilters{})
	if err != nil {
		return Profile{}, err
	}
	taskExports := make([]TaskExport, 0, len(tasks))
	for _, t := range tasks {
		tagIDs, err := s.TagIDsForTask(ctx, t.ID)
		if err != nil {
			return Profile{}, err
		}
		taskExports = append(taskExports, TaskExport{Task: t, TagIDs: tagIDs})
	}

	objectives, err := s.listAllObjectives(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	var keyResults []domain.KeyResult
	for _, o := range objectives {
		krs, err := s.ListKeyResultsByObjective(ctx, o.ID)
		if err != nil {
			return Profile{}, err
		}
		keyResults = append(keyResults, krs...)
	}

	savedQueries, err := s.ListSavedQueries(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	widgets, err := s.ListDashboardWidgets(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	templates, err := s.ListMetricsTemplates(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	metricValues, err := s.ListAllMetricValues(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	connections, err := s.ListPluginConnectionsForUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	for i := range connections {
		connections[i].Credentials = domain.PluginCredentials{}
	}

	return Profile{
		User:              user,
		Periods:           periods,
		Tags:              tags,
		Tasks:             taskExports,
		Objectives:        objectives,
		KeyResults:        keyResults,
		SavedQueries:      savedQueries,
		Widgets:           widgets,
		Templates:         templates,
		MetricValues:      metricValues,
		PluginConnections: connections,
	}, nil
}

// listAllObjectives scans every objective row for a user regardless of
// year, since ListObjectives is scoped to a single year for API use.
func (s *Store) listAllObjectives(ctx context.Context, userID string) ([]domain.Objective, error) {
	const op = "store.listAllObjectives"
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, level, year, month, title, weight, parent_id
		FROM objectives WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ImportProfile writes p under a brand-new user, inside one
// transaction: either every row lands or none does. Every id in p is
// treated as a source-store id and remapped to a freshly minted one;
// cross-references (task->period/tags, kr->objective/savedQuery,
// objective->parent, widget config "queryId") are rewired using the
// remap tables built as each entity is inserted.
func (s *Store) ImportProfile(ctx context.Context, p Profile) (userID string, err error) {
	const op = "store.ImportProfile"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.New(op, apperr.KindInternal, err)
	}
	defer tx.Rollback()

	newUserID := newID()
	now := time.Now().UTC()
	username := p.User.Username
	if username == "" {
		username = "imported-" + newUserID[:8]
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, username, week_start_day, timezone, is_admin, disabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newUserID, username, string(p.User.WeekStartDay), p.User.Timezone, false, false, now); err != nil {
		return "", apperr.New(op, apperr.KindInternal, err)
	}

	periodIDs := map[string]string{}
	for _, per := range p.Periods {
		newPeriodID := newID()
		if _, err := tx.ExecContext(ctx, `INSERT INTO time_periods (id, user_id, type, year, month, week, day)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newPeriodID, newUserID, string(per.Type), per.Year, per.Month, per.Week, per.Day); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
		periodIDs[per.ID] = newPeriodID
	}

	tagIDs := map[string]string{}
	for _, t := range p.Tags {
		newTagID := newID()
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (id, user_id, name) VALUES (?, ?, ?)`, newTagID, newUserID, t.Name); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
		tagIDs[t.ID] = newTagID
	}

	for _, t := range p.Tasks {
		newPeriodID, ok := periodIDs[t.PeriodID]
		if !ok {
			return "", apperr.New(op, apperr.KindValidation, fmt.Errorf("task %q references unknown period %q", t.ID, t.PeriodID))
		}
		attrs, err := json.Marshal(t.Attributes)
		if err != nil {
			return "", apperr.New(op, apperr.KindValidation, err)
		}
		newTaskID := newID()
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, user_id, period_id, title, completed, completed_at, sort_order, time_spent_ms, timer_started_at, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newTaskID, newUserID, newPeriodID, t.Title, t.Completed, toNullTime(t.CompletedAt), t.SortOrder, t.TimeSpentMs, toNullTime(t.TimerStartedAt), string(attrs)); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
		for _, oldTagID := range t.TagIDs {
			newTagID, ok := tagIDs[oldTagID]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_tags (task_id, tag_id) VALUES (?, ?)`, newTaskID, newTagID); err != nil {
				return "", apperr.New(op, apperr.KindInternal, err)
			}
		}
	}

	savedQueryIDs := map[string]string{}
	for _, q := range p.SavedQueries {
		if len(q.Code) > domain.MaxSavedQueryCodeBytes {
			return "", apperr.New(op, apperr.KindValidation, fmt.Errorf("saved query %q exceeds max code size", q.ID))
		}
		newQueryID := newID()
		if _, err := tx.ExecContext(ctx, `INSERT INTO saved_queries (id, user_id, name, code, query_type, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newQueryID, newUserID, q.Name, q.Code, string(q.QueryType), now, now); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
		savedQueryIDs[q.ID] = newQueryID
	}

	objectiveIDs := map[string]string{}
	for _, o := range p.Objectives {
		newObjectiveID := newID()
		if _, err := tx.ExecContext(ctx, `INSERT INTO objectives (id, user_id, level, year, month, title, weight, parent_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			newObjectiveID, newUserID, string(o.Level), o.Year, o.Month, o.Title, o.Weight, nil); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
		objectiveIDs[o.ID] = newObjectiveID
	}
	for _, o := range p.Objectives {
		if o.ParentID == nil {
			continue
		}
		newParentID, ok := objectiveIDs[*o.ParentID]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE objectives SET parent_id = ? WHERE id = ?`, newParentID, objectiveIDs[o.ID]); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
	}

	for _, kr := range p.KeyResults {
		newObjectiveID, ok := objectiveIDs[kr.ObjectiveID]
		if !ok {
			return "", apperr.New(op, apperr.KindValidation, fmt.Errorf("key result %q references unknown objective %q", kr.ID, kr.ObjectiveID))
		}
		items, err := json.Marshal(kr.CheckboxItems)
		if err != nil {
			return "", apperr.New(op, apperr.KindValidation, err)
		}
		var newQueryID *string
		if kr.ProgressQueryID != nil {
			if mapped, ok := savedQueryIDs[*kr.ProgressQueryID]; ok {
				newQueryID = &mapped
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO key_results (id, objective_id, user_id, title, weight, score, measurement_type, checkbox_items, progress_query_id, progress_query_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID(), newObjectiveID, newUserID, kr.Title, kr.Weight, kr.Score, string(kr.MeasurementType), string(items), newQueryID, kr.ProgressQueryCode); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
	}

	for _, w := range p.Widgets {
		config := remapWidgetQueryID(w.Config, savedQueryIDs)
		encoded, err := json.Marshal(config)
		if err != nil {
			return "", apperr.New(op, apperr.KindValidation, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO dashboard_widgets (id, user_id, title, widget_type, config, sort_order, page)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, newID(), newUserID, w.Title, w.WidgetType, string(encoded), w.SortOrder, w.Page); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
	}

	for _, t := range p.Templates {
		defs, err := json.Marshal(t.MetricsDefinition)
		if err != nil {
			return "", apperr.New(op, apperr.KindValidation, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_templates (id, user_id, name, effective_from, metrics_definition)
			VALUES (?, ?, ?, ?, ?)`, newID(), newUserID, t.Name, t.EffectiveFrom, string(defs)); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
	}

	for _, v := range p.MetricValues {
		encoded, err := json.Marshal(v.Value)
		if err != nil {
			return "", apperr.New(op, apperr.KindValidation, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO daily_metric_values (user_id, date, metric_name, value, source)
			VALUES (?, ?, ?, ?, ?)`, newUserID, v.Date, v.MetricName, string(encoded), v.Source); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
	}

	for _, pc := range p.PluginConnections {
		if _, err := tx.ExecContext(ctx, `INSERT INTO plugin_connections (user_id, plugin_id, enabled, access_token, refresh_token, expires_at, token_type, scope, last_sync)
			VALUES (?, ?, ?, '', '', 0, '', '', ?)`, newUserID, pc.PluginID, pc.Enabled, toNullTime(pc.LastSync)); err != nil {
			return "", apperr.New(op, apperr.KindInternal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.New(op, apperr.KindInternal, err)
	}
	return newUserID, nil
}

// remapWidgetQueryID rewrites a widget config's "queryId" field, if
// present and a string matching a known source-store saved query id,
// to the freshly minted id. Unrecognized shapes are left untouched.
func remapWidgetQueryID(config map[string]any, savedQueryIDs map[string]string) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	if raw, ok := out["queryId"]; ok {
		if oldID, ok := raw.(string); ok {
			if mappedID, ok := savedQueryIDs[oldID]; ok {
				out["queryId"] = mappedID
			}
		}
	}
	return out
}
