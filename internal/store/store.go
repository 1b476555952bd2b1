// Package store implements component A: transactional persistence
// over a single embedded SQLite file, raw database/sql CRUD per
// entity, cascade-on-user-delete, and the unique-constraint mapping
// the rest of the system relies on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/crypto"
	"github.com/zli117/Orbit-sub000/internal/domain"
)

// Store wraps a *sql.DB with entity-scoped CRUD methods.
type Store struct {
	db        *sql.DB
	masterKey []byte
}

// Open opens (and if necessary creates + migrates) the SQLite database
// at path, and returns a ready Store.
func Open(path string) (*Store, error) {
	if err := Migrate(path); err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store.Open: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time, serializes mutations
	return &Store{db: db}, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests with sqlmock or
// an in-memory database).
func OpenDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SetMasterKey enables at-rest encryption of plugin OAuth credentials.
// Without it, credentials are stored in cleartext; once set, it must
// stay the same across restarts or stored credentials become
// unreadable.
func (s *Store) SetMasterKey(key []byte) { s.masterKey = key }

// rowScanner abstracts over *sql.Row and *sql.Rows so the same scan
// helpers work for single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toNullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func newID() string { return uuid.NewString() }

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// ---- Users ----------------------------------------------------------

// CreateUser inserts a new user and returns it with a generated id.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	const op = "store.CreateUser"
	u.ID = newID()
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, week_start_day, timezone, is_admin, disabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, string(u.WeekStartDay), u.Timezone, u.IsAdmin, u.Disabled, u.CreatedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return domain.User{}, apperr.New(op, apperr.KindConflict, apperr.ErrAlreadyExists)
		}
		return domain.User{}, apperr.New(op, apperr.KindInternal, err)
	}
	return u, nil
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var weekStart string
	if err := row.Scan(&u.ID, &u.Username, &weekStart, &u.Timezone, &u.IsAdmin, &u.Disabled, &u.CreatedAt); err != nil {
		return domain.User{}, err
	}
	u.WeekStartDay = domain.WeekStartDay(weekStart)
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	const op = "store.GetUser"
	row := s.db.QueryRowContext(ctx, `SELECT id, username, week_start_day, timezone, is_admin, disabled, created_at
		FROM users WHERE id = ?`, userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return domain.User{}, apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, apperr.New(op, apperr.KindInternal, err)
	}
	return u, nil
}

// DeleteUser removes a user; all owned rows cascade via foreign keys.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	const op = "store.DeleteUser"
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// ---- Time periods -----------------------------------------------------

// GetOrCreatePeriod returns the period matching (userId, type, scope),
// creating it lazily on first reference. scope fields that don't apply
// to the period type should be passed as nil.
func (s *Store) GetOrCreatePeriod(ctx context.Context, userID string, ptype domain.PeriodType, year int, month, week, day *int) (domain.TimePeriod, error) {
	const op = "store.GetOrCreatePeriod"

	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, type, year, month, week, day FROM time_periods
		WHERE user_id = ? AND type = ? AND year = ? AND month IS ? AND week IS ? AND day IS ?`,
		userID, string(ptype), year, month, week, day)

	p, err := scanPeriod(row)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return domain.TimePeriod{}, apperr.New(op, apperr.KindInternal, err)
	}

	p = domain.TimePeriod{ID: newID(), UserID: userID, Type: ptype, Year: year, Month: month, Week: week, Day: day}
	_, err = s.db.ExecContext(ctx, `INSERT INTO time_periods (id, user_id, type, year, month, week, day)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, p.ID, p.UserID, string(p.Type), p.Year, month, week, day)
	if err != nil {
		if isUniqueConstraintErr(err) {
			// Lost a race to create the same period; re-read it.
			row := s.db.QueryRowContext(ctx, `SELECT id, user_id, type, year, month, week, day FROM time_periods
				WHERE user_id = ? AND type = ? AND year = ? AND month IS ? AND week IS ? AND day IS ?`,
				userID, string(ptype), year, month, week, day)
			if p2, err2 := scanPeriod(row); err2 == nil {
				return p2, nil
			}
		}
		return domain.TimePeriod{}, apperr.New(op, apperr.KindInternal, err)
	}
	return p, nil
}

func scanPeriod(row rowScanner) (domain.TimePeriod, error) {
	var p domain.TimePeriod
	var month, week, day sql.NullInt64
	if err := row.Scan(&p.ID, &p.UserID, &p.Type, &p.Year, &month, &week, &day); err != nil {
		return domain.TimePeriod{}, err
	}
	p.Month = fromNullInt(month)
	p.Week = fromNullInt(week)
	p.Day = fromNullInt(day)
	return p, nil
}

// GetPeriod fetches a single period by id, scoped to userID.
func (s *Store) GetPeriod(ctx context.Context, userID, periodID string) (domain.TimePeriod, error) {
	const op = "store.GetPeriod"
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, type, year, month, week, day FROM time_periods
		WHERE id = ? AND user_id = ?`, periodID, userID)
	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return domain.TimePeriod{}, apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.TimePeriod{}, apperr.New(op, apperr.KindInternal, err)
	}
	return p, nil
}

// ListPeriods returns every period of a type for a user, optionally
// narrowed to one year. Used by the query provider to resolve
// year/month/week filters without a join.
func (s *Store) ListPeriods(ctx context.Context, userID string, ptype domain.PeriodType, year *int) ([]domain.TimePeriod, error) {
	const op = "store.ListPeriods"
	query := `SELECT id, user_id, type, year, month, week, day FROM time_periods WHERE user_id = ? AND type = ?`
	args := []any{userID, string(ptype)}
	if year != nil {
		query += ` AND year = ?`
		args = append(args, *year)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// ---- Tasks -------------------------------------------------------------

// CreateTask inserts a new task within its period.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	const op = "store.CreateTask"
	t.ID = newID()
	attrs, err := json.Marshal(t.Attributes)
	if err != nil {
		return domain.Task{}, apperr.New(op, apperr.KindValidation, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (id, user_id, period_id, title, completed, completed_at, sort_order, time_spent_ms, timer_started_at, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.PeriodID, t.Title, t.Completed, toNullTime(t.CompletedAt), t.SortOrder, t.TimeSpentMs, toNullTime(t.TimerStartedAt), string(attrs))
	if err != nil {
		return domain.Task{}, apperr.New(op, apperr.KindInternal, err)
	}
	return t, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var completedAt, timerStartedAt sql.NullTime
	var attrs string
	if err := row.Scan(&t.ID, &t.UserID, &t.PeriodID, &t.Title, &t.Completed, &completedAt, &t.SortOrder, &t.TimeSpentMs, &timerStartedAt, &attrs); err != nil {
		return domain.Task{}, err
	}
	t.CompletedAt = fromNullTime(completedAt)
	t.TimerStartedAt = fromNullTime(timerStartedAt)
	t.Attributes = map[string]string{}
	_ = json.Unmarshal([]byte(attrs), &t.Attributes)
	return t, nil
}

// TagNamesForTask returns the names of every tag attached to a task.
func (s *Store) TagNamesForTask(ctx context.Context, taskID string) ([]string, error) {
	const op = "store.TagNamesForTask"
	rows, err := s.db.QueryContext(ctx, `SELECT t.name FROM tags t
		JOIN task_tags tt ON tt.tag_id = t.id WHERE tt.task_id = ? ORDER BY t.name`, taskID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetTask fetches a task by id, scoped to its owner.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	const op = "store.GetTask"
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, period_id, title, completed, completed_at, sort_order, time_spent_ms, timer_started_at, attributes
		FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, apperr.New(op, apperr.KindInternal, err)
	}
	return t, nil
}

// TaskFilters narrows ListTasks results.
type TaskFilters struct {
	PeriodID  string
	Completed *bool
}

// ListTasks returns a user's tasks, optionally filtered by period/completion.
func (s *Store) ListTasks(ctx context.Context, userID string, filters TaskFilters) ([]domain.Task, error) {
	const op = "store.ListTasks"
	query := `SELECT id, user_id, period_id, title, completed, completed_at, sort_order, time_spent_ms, timer_started_at, attributes
		FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if filters.PeriodID != "" {
		query += ` AND period_id = ?`
		args = append(args, filters.PeriodID)
	}
	if filters.Completed != nil {
		query += ` AND completed = ?`
		args = append(args, *filters.Completed)
	}
	query += ` ORDER BY sort_order ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask persists a full task row (load-then-update pattern).
func (s *Store) UpdateTask(ctx context.Context, t domain.Task) error {
	const op = "store.UpdateTask"
	attrs, err := json.Marshal(t.Attributes)
	if err != nil {
		return apperr.New(op, apperr.KindValidation, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET title=?, completed=?, completed_at=?, sort_order=?, time_spent_ms=?, timer_started_at=?, attributes=?
		WHERE id = ? AND user_id = ?`,
		t.Title, t.Completed, toNullTime(t.CompletedAt), t.SortOrder, t.TimeSpentMs, toNullTime(t.TimerStartedAt), string(attrs), t.ID, t.UserID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// StartTimer sets timerStartedAt if the timer is not already running.
func (s *Store) StartTimer(ctx context.Context, userID, taskID string, now time.Time) (domain.Task, error) {
	const op = "store.StartTimer"
	t, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.TimerStartedAt != nil {
		return domain.Task{}, apperr.New(op, apperr.KindConflict, apperr.ErrConflict)
	}
	t.TimerStartedAt = &now
	if err := s.UpdateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// StopTimer clears timerStartedAt and folds elapsed time into TimeSpentMs.
func (s *Store) StopTimer(ctx context.Context, userID, taskID string, now time.Time) (domain.Task, error) {
	const op = "store.StopTimer"
	t, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.TimerStartedAt == nil {
		return t, nil // already stopped: idempotent no-op
	}
	elapsed := now.Sub(*t.TimerStartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	t.TimeSpentMs += elapsed.Milliseconds()
	t.TimerStartedAt = nil
	if err := s.UpdateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ---- Objectives & key results ------------------------------------------

// CreateObjective inserts a new objective.
func (s *Store) CreateObjective(ctx context.Context, o domain.Objective) (domain.Objective, error) {
	const op = "store.CreateObjective"
	o.ID = newID()
	_, err := s.db.ExecContext(ctx, `INSERT INTO objectives (id, user_id, level, year, month, title, weight, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, string(o.Level), o.Year, o.Month, o.Title, o.Weight, o.ParentID)
	if err != nil {
		return domain.Objective{}, apperr.New(op, apperr.KindInternal, err)
	}
	return o, nil
}

func scanObjective(row rowScanner) (domain.Objective, error) {
	var o domain.Objective
	var month sql.NullInt64
	var parentID sql.NullString
	if err := row.Scan(&o.ID, &o.UserID, &o.Level, &o.Year, &month, &o.Title, &o.Weight, &parentID); err != nil {
		return domain.Objective{}, err
	}
	o.Month = fromNullInt(month)
	if parentID.Valid {
		o.ParentID = &parentID.String
	}
	return o, nil
}

// ListObjectives returns a user's objectives for a year, optionally
// filtered to a level.
func (s *Store) ListObjectives(ctx context.Context, userID string, year int, level *domain.ObjectiveLevel) ([]domain.Objective, error) {
	const op = "store.ListObjectives"
	query := `SELECT id, user_id, level, year, month, title, weight, parent_id FROM objectives WHERE user_id = ? AND year = ?`
	args := []any{userID, year}
	if level != nil {
		query += ` AND level = ?`
		args = append(args, string(*level))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// CreateKeyResult inserts a new key result under an objective.
func (s *Store) CreateKeyResult(ctx context.Context, kr domain.KeyResult) (domain.KeyResult, error) {
	const op = "store.CreateKeyResult"
	kr.ID = newID()
	items, err := json.Marshal(kr.CheckboxItems)
	if err != nil {
		return domain.KeyResult{}, apperr.New(op, apperr.KindValidation, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO key_results (id, objective_id, user_id, title, weight, score, measurement_type, checkbox_items, progress_query_id, progress_query_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kr.ID, kr.ObjectiveID, kr.UserID, kr.Title, kr.Weight, kr.Score, string(kr.MeasurementType), string(items), kr.ProgressQueryID, kr.ProgressQueryCode)
	if err != nil {
		return domain.KeyResult{}, apperr.New(op, apperr.KindInternal, err)
	}
	return kr, nil
}

func scanKeyResult(row rowScanner) (domain.KeyResult, error) {
	var kr domain.KeyResult
	var items string
	var queryID, queryCode sql.NullString
	if err := row.Scan(&kr.ID, &kr.ObjectiveID, &kr.UserID, &kr.Title, &kr.Weight, &kr.Score, &kr.MeasurementType, &items, &queryID, &queryCode); err != nil {
		return domain.KeyResult{}, err
	}
	_ = json.Unmarshal([]byte(items), &kr.CheckboxItems)
	if queryID.Valid {
		kr.ProgressQueryID = &queryID.String
	}
	if queryCode.Valid {
		kr.ProgressQueryCode = &queryCode.String
	}
	return kr, nil
}

// GetKeyResult fetches a key result by id, scoped to its owner.
func (s *Store) GetKeyResult(ctx context.Context, userID, krID string) (domain.KeyResult, error) {
	const op = "store.GetKeyResult"
	row := s.db.QueryRowContext(ctx, `SELECT id, objective_id, user_id, title, weight, score, measurement_type, checkbox_items, progress_query_id, progress_query_code
		FROM key_results WHERE id = ? AND user_id = ?`, krID, userID)
	kr, err := scanKeyResult(row)
	if err == sql.ErrNoRows {
		return domain.KeyResult{}, apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.KeyResult{}, apperr.New(op, apperr.KindInternal, err)
	}
	return kr, nil
}

// ListKeyResultsByObjective returns all key results under an objective.
func (s *Store) ListKeyResultsByObjective(ctx context.Context, objectiveID string) ([]domain.KeyResult, error) {
	const op = "store.ListKeyResultsByObjective"
	rows, err := s.db.QueryContext(ctx, `SELECT id, objective_id, user_id, title, weight, score, measurement_type, checkbox_items, progress_query_id, progress_query_code
		FROM key_results WHERE objective_id = ?`, objectiveID)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.KeyResult
	for rows.Next() {
		kr, err := scanKeyResult(rows)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, kr)
	}
	return out, rows.Err()
}

// UpdateKeyResultScore persists a new score (e.g. from live custom_query
// evaluation or a slider write).
func (s *Store) UpdateKeyResultScore(ctx context.Context, userID, krID string, score float64) error {
	const op = "store.UpdateKeyResultScore"
	res, err := s.db.ExecContext(ctx, `UPDATE key_results SET score = ? WHERE id = ? AND user_id = ?`, score, krID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// UpdateKeyResult persists a full key result row.
func (s *Store) UpdateKeyResult(ctx context.Context, kr domain.KeyResult) error {
	const op = "store.UpdateKeyResult"
	items, err := json.Marshal(kr.CheckboxItems)
	if err != nil {
		return apperr.New(op, apperr.KindValidation, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE key_results SET title=?, weight=?, score=?, measurement_type=?, checkbox_items=?, progress_query_id=?, progress_query_code=?
		WHERE id = ? AND user_id = ?`,
		kr.Title, kr.Weight, kr.Score, string(kr.MeasurementType), string(items), kr.ProgressQueryID, kr.ProgressQueryCode, kr.ID, kr.UserID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// ---- Saved queries -------------------------------------------------------

// CreateSavedQuery inserts a new saved query, enforcing the code size cap.
func (s *Store) CreateSavedQuery(ctx context.Context, q domain.SavedQuery) (domain.SavedQuery, error) {
	const op = "store.CreateSavedQuery"
	if len(q.Code) > domain.MaxSavedQueryCodeBytes {
		return domain.SavedQuery{}, apperr.New(op, apperr.KindValidation, fmt.Errorf("code exceeds %d bytes", domain.MaxSavedQueryCodeBytes))
	}
	q.ID = newID()
	now := time.Now().UTC()
	q.CreatedAt, q.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO saved_queries (id, user_id, name, code, query_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, q.ID, q.UserID, q.Name, q.Code, string(q.QueryType), q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return domain.SavedQuery{}, apperr.New(op, apperr.KindInternal, err)
	}
	return q, nil
}

func scanSavedQuery(row rowScanner) (domain.SavedQuery, error) {
	var q domain.SavedQuery
	if err := row.Scan(&q.ID, &q.UserID, &q.Name, &q.Code, &q.QueryType, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return domain.SavedQuery{}, err
	}
	return q, nil
}

// GetSavedQuery fetches a saved query by id, scoped to its owner.
func (s *Store) GetSavedQuery(ctx context.Context, userID, queryID string) (domain.SavedQuery, error) {
	const op = "store.GetSavedQuery"
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, name, code, query_type, created_at, updated_at
		FROM saved_queries WHERE id = ? AND user_id = ?`, queryID, userID)
	q, err := scanSavedQuery(row)
	if err == sql.ErrNoRows {
		return domain.SavedQuery{}, apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.SavedQuery{}, apperr.New(op, apperr.KindInternal, err)
	}
	return q, nil
}

// ---- Metrics templates ---------------------------------------------------

// CreateMetricsTemplate inserts a new template version.
func (s *Store) CreateMetricsTemplate(ctx context.Context, t domain.MetricsTemplate) (domain.MetricsTemplate, error) {
	const op = "store.CreateMetricsTemplate"
	t.ID = newID()
	defs, err := json.Marshal(t.MetricsDefinition)
	if err != nil {
		return domain.MetricsTemplate{}, apperr.New(op, apperr.KindValidation, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO metrics_templates (id, user_id, name, effective_from, metrics_definition)
		VALUES (?, ?, ?, ?, ?)`, t.ID, t.UserID, t.Name, t.EffectiveFrom, string(defs))
	if err != nil {
		return domain.MetricsTemplate{}, apperr.New(op, apperr.KindInternal, err)
	}
	return t, nil
}

func scanTemplate(row rowScanner) (domain.MetricsTemplate, error) {
	var t domain.MetricsTemplate
	var defs string
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.EffectiveFrom, &defs); err != nil {
		return domain.MetricsTemplate{}, err
	}
	_ = json.Unmarshal([]byte(defs), &t.MetricsDefinition)
	return t, nil
}

// ListActiveTemplate returns the template with the greatest
// effectiveFrom <= date for the user, or (zero, false) if none exists.
func (s *Store) ListActiveTemplate(ctx context.Context, userID, date string) (domain.MetricsTemplate, bool, error) {
	const op = "store.ListActiveTemplate"
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, name, effective_from, metrics_definition
		FROM metrics_templates WHERE user_id = ? AND effective_from <= ?
		ORDER BY effective_from DESC LIMIT 1`, userID, date)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return domain.MetricsTemplate{}, false, nil
	}
	if err != nil {
		return domain.MetricsTemplate{}, false, apperr.New(op, apperr.KindInternal, err)
	}
	return t, true, nil
}

// ---- Daily metric values --------------------------------------------------

// UpsertMetricValue writes or replaces one (user, date, name) row.
func (s *Store) UpsertMetricValue(ctx context.Context, userID, date, name string, value any, source string) error {
	const op = "store.UpsertMetricValue"
	encoded, err := json.Marshal(value)
	if err != nil {
		return apperr.New(op, apperr.KindValidation, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO daily_metric_values (user_id, date, metric_name, value, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date, metric_name) DO UPDATE SET value = excluded.value, source = excluded.source`,
		userID, date, name, string(encoded), source)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

// GetMetricValuesForDate returns every persisted metric value for a
// user on a date, keyed by metric name.
func (s *Store) GetMetricValuesForDate(ctx context.Context, userID, date string) (map[string]domain.DailyMetricValue, error) {
	const op = "store.GetMetricValuesForDate"
	rows, err := s.db.QueryContext(ctx, `SELECT metric_name, value, source FROM daily_metric_values WHERE user_id = ? AND date = ?`, userID, date)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()

	out := map[string]domain.DailyMetricValue{}
	for rows.Next() {
		var name, source string
		var rawValue sql.NullString
		if err := rows.Scan(&name, &rawValue, &source); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		var value any
		if rawValue.Valid {
			_ = json.Unmarshal([]byte(rawValue.String), &value)
		}
		out[name] = domain.DailyMetricValue{UserID: userID, Date: date, MetricName: name, Value: value, Source: source}
	}
	return out, rows.Err()
}

// DateRangeFilter narrows queries over daily metric values.
type DateRangeFilter struct {
	From string // YYYY-MM-DD, inclusive
	To   string // YYYY-MM-DD, inclusive
}

// ListMetricValuesInRange returns every metric value row for a user
// across [from, to], ordered ascending by date, grouped by date.
func (s *Store) ListMetricValuesInRange(ctx context.Context, userID string, r DateRangeFilter) (map[string]map[string]any, error) {
	const op = "store.ListMetricValuesInRange"
	rows, err := s.db.QueryContext(ctx, `SELECT date, metric_name, value FROM daily_metric_values
		WHERE user_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`, userID, r.From, r.To)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()

	out := map[string]map[string]any{}
	for rows.Next() {
		var date, name string
		var rawValue sql.NullString
		if err := rows.Scan(&date, &name, &rawValue); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		if out[date] == nil {
			out[date] = map[string]any{}
		}
		var value any
		if rawValue.Valid {
			_ = json.Unmarshal([]byte(rawValue.String), &value)
		}
		out[date][name] = value
	}
	return out, rows.Err()
}

// ---- Plugin connections ---------------------------------------------------

// GetPluginConnection fetches a (user, plugin) connection row, if any.
func (s *Store) GetPluginConnection(ctx context.Context, userID, pluginID string) (domain.PluginConnection, bool, error) {
	const op = "store.GetPluginConnection"
	row := s.db.QueryRowContext(ctx, `SELECT user_id, plugin_id, enabled, access_token, refresh_token, expires_at, token_type, scope, last_sync
		FROM plugin_connections WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
	pc, err := s.scanPluginConnection(row)
	if err == sql.ErrNoRows {
		return domain.PluginConnection{}, false, nil
	}
	if err != nil {
		return domain.PluginConnection{}, false, apperr.New(op, apperr.KindInternal, err)
	}
	return pc, true, nil
}

// pluginCredentialSubject binds a derived encryption key to one user's
// connection to one plugin, so a leaked key for one pair can't decrypt
// another.
func pluginCredentialSubject(userID, pluginID string) []byte {
	return []byte(userID + ":" + pluginID)
}

// encryptPluginCredentials replaces the access/refresh tokens with
// their at-rest envelopes. A no-op when no master key is configured.
func (s *Store) encryptPluginCredentials(pc *domain.PluginConnection) error {
	if len(s.masterKey) == 0 {
		return nil
	}
	subject := pluginCredentialSubject(pc.UserID, pc.PluginID)
	access, err := crypto.EncryptEnvelope(s.masterKey, subject, crypto.EnvelopeInfo, []byte(pc.Credentials.AccessToken))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.EncryptEnvelope(s.masterKey, subject, crypto.EnvelopeInfo, []byte(pc.Credentials.RefreshToken))
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	pc.Credentials.AccessToken = string(access)
	pc.Credentials.RefreshToken = string(refresh)
	return nil
}

// decryptPluginCredentials reverses encryptPluginCredentials on read.
func (s *Store) decryptPluginCredentials(pc *domain.PluginConnection) error {
	if len(s.masterKey) == 0 {
		return nil
	}
	subject := pluginCredentialSubject(pc.UserID, pc.PluginID)
	if pc.Credentials.AccessToken != "" {
		access, err := crypto.DecryptEnvelope(s.masterKey, subject, crypto.EnvelopeInfo, []byte(pc.Credentials.AccessToken))
		if err != nil {
			return fmt.Errorf("decrypt access token: %w", err)
		}
		pc.Credentials.AccessToken = string(access)
	}
	if pc.Credentials.RefreshToken != "" {
		refresh, err := crypto.DecryptEnvelope(s.masterKey, subject, crypto.EnvelopeInfo, []byte(pc.Credentials.RefreshToken))
		if err != nil {
			return fmt.Errorf("decrypt refresh token: %w", err)
		}
		pc.Credentials.RefreshToken = string(refresh)
	}
	return nil
}

func (s *Store) scanPluginConnection(row rowScanner) (domain.PluginConnection, error) {
	var pc domain.PluginConnection
	var lastSync sql.NullTime
	if err := row.Scan(&pc.UserID, &pc.PluginID, &pc.Enabled, &pc.Credentials.AccessToken, &pc.Credentials.RefreshToken,
		&pc.Credentials.ExpiresAt, &pc.Credentials.TokenType, &pc.Credentials.Scope, &lastSync); err != nil {
		return domain.PluginConnection{}, err
	}
	pc.LastSync = fromNullTime(lastSync)
	if err := s.decryptPluginCredentials(&pc); err != nil {
		return domain.PluginConnection{}, err
	}
	return pc, nil
}

// UpsertPluginConnection writes or replaces a (user, plugin) connection row.
func (s *Store) UpsertPluginConnection(ctx context.Context, pc domain.PluginConnection) error {
	const op = "store.UpsertPluginConnection"
	if err := s.encryptPluginCredentials(&pc); err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO plugin_connections (user_id, plugin_id, enabled, access_token, refresh_token, expires_at, token_type, scope, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, plugin_id) DO UPDATE SET
			enabled = excluded.enabled, access_token = excluded.access_token, refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at, token_type = excluded.token_type, scope = excluded.scope, last_sync = excluded.last_sync`,
		pc.UserID, pc.PluginID, pc.Enabled, pc.Credentials.AccessToken, pc.Credentials.RefreshToken,
		pc.Credentials.ExpiresAt, pc.Credentials.TokenType, pc.Credentials.Scope, toNullTime(pc.LastSync))
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

// ListEnabledPluginConnections returns every connection flagged enabled,
// across all users, for the scheduler's periodic sweep.
func (s *Store) ListEnabledPluginConnections(ctx context.Context) ([]domain.PluginConnection, error) {
	const op = "store.ListEnabledPluginConnections"
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, plugin_id, enabled, access_token, refresh_token, expires_at, token_type, scope, last_sync
		FROM plugin_connections WHERE enabled = 1`)
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

// DisablePluginConnection flips enabled=false, used on unrecoverable
// refresh failure.
func (s *Store) DisablePluginConnection(ctx context.Context, userID, pluginID string) error {
	const op = "store.DisablePluginConnection"
	_, err := s.db.ExecContext(ctx, `UPDATE plugin_connections SET enabled = 0 WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

// ---- Config entries --------------------------------------------------------

// GetConfigEntry fetches one config row by key.
func (s *Store) GetConfigEntry(ctx context.Context, key string) (domain.ConfigEntry, bool, error) {
	const op = "store.GetConfigEntry"
	row := s.db.QueryRowContext(ctx, `SELECT key, value, is_secret FROM config_entries WHERE key = ?`, key)
	var e domain.ConfigEntry
	err := row.Scan(&e.Key, &e.Value, &e.IsSecret)
	if err == sql.ErrNoRows {
		return domain.ConfigEntry{}, false, nil
	}
	if err != nil {
		return domain.ConfigEntry{}, false, apperr.New(op, apperr.KindInternal, err)
	}
	return e, true, nil
}

// ListConfigEntries returns every DB-backed config row.
func (s *Store) ListConfigEntries(ctx context.Context) ([]domain.ConfigEntry, error) {
	const op = "store.ListConfigEntries"
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, is_secret FROM config_entries ORDER BY key`)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.ConfigEntry
	for rows.Next() {
		var e domain.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.IsSecret); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutConfigEntries writes a batch of config entries transactionally.
func (s *Store) PutConfigEntries(ctx context.Context, entries []domain.ConfigEntry) error {
	const op = "store.PutConfigEntries"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO config_entries (key, value, is_secret) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, is_secret = excluded.is_secret`,
			e.Key, e.Value, e.IsSecret); err != nil {
			return apperr.New(op, apperr.KindInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

// ---- Query execution log ---------------------------------------------------

const (
	maxLoggedCodeSnippetBytes = 2 * 1024
	maxLoggedErrorBytes       = 1024
)

// RecordExecution appends a QueryExecutionLog row, truncating the code
// snippet and error message per spec.md §4.K.
func (s *Store) RecordExecution(ctx context.Context, log domain.QueryExecutionLog) error {
	const op = "store.RecordExecution"
	log.ID = newID()
	log.CreatedAt = time.Now().UTC()
	log.CodeSnippet = truncate(log.CodeSnippet, maxLoggedCodeSnippetBytes)
	log.ErrorMessage = truncate(log.ErrorMessage, maxLoggedErrorBytes)

	_, err := s.db.ExecContext(ctx, `INSERT INTO query_execution_logs (id, user_id, code_snippet, success, error_message, execution_time_ms, rate_limited, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.UserID, log.CodeSnippet, log.Success, log.ErrorMessage, log.ExecutionTimeMs, log.RateLimited, log.CreatedAt)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// CountExecutionsSince counts non-rate-limited executions for a user
// since t. The sliding-window rate limiter in internal/audit keeps its
// own in-memory window and does not call it.
func (s *Store) CountExecutionsSince(ctx context.Context, userID string, t time.Time) (int, error) {
	const op = "store.CountExecutionsSince"
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_execution_logs WHERE user_id = ? AND created_at >= ? AND rate_limited = 0`, userID, t)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperr.New(op, apperr.KindInternal, err)
	}
	return n, nil
}

// ListExecutionLogs paginates execution log rows by recency.
func (s *Store) ListExecutionLogs(ctx context.Context, userID string, limit, offset int) ([]domain.QueryExecutionLog, error) {
	const op = "store.ListExecutionLogs"
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, code_snippet, success, error_message, execution_time_ms, rate_limited, created_at
		FROM query_execution_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}
	defer rows.Close()
	var out []domain.QueryExecutionLog
	for rows.Next() {
		var l domain.QueryExecutionLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.CodeSnippet, &l.Success, &l.ErrorMessage, &l.ExecutionTimeMs, &l.RateLimited, &l.CreatedAt); err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
