package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
)

// DeleteTask removes a task and its tag links, scoped to its owner.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) error {
	const op = "store.DeleteTask"
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// UpdateObjective persists a full objective row.
func (s *Store) UpdateObjective(ctx context.Context, o domain.Objective) error {
	const op = "store.UpdateObjective"
	res, err := s.db.ExecContext(ctx, `UPDATE objectives SET title=?, weight=?, month=?, parent_id=?
		WHERE id = ? AND user_id = ?`, o.Title, o.Weight, o.Month, o.ParentID, o.ID, o.UserID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// DeleteObjective removes an objective and its key results.
func (s *Store) DeleteObjective(ctx context.Context, userID, objectiveID string) error {
	const op = "store.DeleteObjective"
	res, err := s.db.ExecContext(ctx, `DELETE FROM objectives WHERE id = ? AND user_id = ?`, objectiveID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// DeleteKeyResult removes a key result, scoped to its owner.
func (s *Store) DeleteKeyResult(ctx context.Context, userID, krID string) error {
	const op = "store.DeleteKeyResult"
	res, err := s.db.ExecContext(ctx, `DELETE FROM key_results WHERE id = ? AND user_id = ?`, krID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// UpdateSavedQuery persists a full saved query row, re-enforcing the
// code size cap.
func (s *Store) UpdateSavedQuery(ctx context.Context, q domain.SavedQuery) error {
	const op = "store.UpdateSavedQuery"
	if len(q.Code) > domain.MaxSavedQueryCodeBytes {
		return apperr.New(op, apperr.KindValidation, apperr.ErrConflict)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE saved_queries SET name=?, code=?, query_type=?, updated_at=?
		WHERE id = ? AND user_id = ?`, q.Name, q.Code, string(q.QueryType), q.UpdatedAt, q.ID, q.UserID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// DeleteSavedQuery removes a saved query, scoped to its owner.
func (s *Store) DeleteSavedQuery(ctx context.Context, userID, queryID string) error {
	const op = "store.DeleteSavedQuery"
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_queries WHERE id = ? AND user_id = ?`, queryID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// UpdateDashboardWidget persists a full widget row.
func (s *Store) UpdateDashboardWidget(ctx context.Context, w domain.DashboardWidget) error {
	const op = "store.UpdateDashboardWidget"
	config, err := json.Marshal(w.Config)
	if err != nil {
		return apperr.New(op, apperr.KindValidation, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE dashboard_widgets SET title=?, widget_type=?, config=?, sort_order=?, page=?
		WHERE id = ? AND user_id = ?`, w.Title, w.WidgetType, string(config), w.SortOrder, w.Page, w.ID, w.UserID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// DeleteDashboardWidget removes a widget, scoped to its owner.
func (s *Store) DeleteDashboardWidget(ctx context.Context, userID, widgetID string) error {
	const op = "store.DeleteDashboardWidget"
	res, err := s.db.ExecContext(ctx, `DELETE FROM dashboard_widgets WHERE id = ? AND user_id = ?`, widgetID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// DeleteTag removes a tag and its task links, scoped to its owner.
func (s *Store) DeleteTag(ctx context.Context, userID, tagID string) error {
	const op = "store.DeleteTag"
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ? AND user_id = ?`, tagID, userID)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	return nil
}

// GetDashboardWidget fetches a single widget by id, scoped to its owner.
func (s *Store) GetDashboardWidget(ctx context.Context, userID, widgetID string) (domain.DashboardWidget, error) {
	const op = "store.GetDashboardWidget"
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, title, widget_type, config, sort_order, page
		FROM dashboard_widgets WHERE id = ? AND user_id = ?`, widgetID, userID)
	w, err := scanWidget(row)
	if err == sql.ErrNoRows {
		return domain.DashboardWidget{}, apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.DashboardWidget{}, apperr.New(op, apperr.KindInternal, err)
	}
	return w, nil
}
