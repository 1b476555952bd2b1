package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/store"
)

func (s *Server) mountTasks(r chi.Router) {
	r.Get("/", s.listTasks)
	r.Post("/", s.createTask)
	r.Get("/{id}", s.getTask)
	r.Put("/{id}", s.updateTask)
	r.Delete("/{id}", s.deleteTask)
	r.Post("/{id}/timer", s.taskTimer)
	r.Post("/{id}/tags", s.addTaskTag)
}

// taskWithTags is the wire shape: a Task plus the tag ids attached to
// it, since TagIDsForTask is a side query rather than a Task field the
// store populates directly.
type taskWithTags struct {
	domain.Task
	TagIDs []string `json:"tagIds"`
}

func (s *Server) withTags(r *http.Request, t domain.Task) (taskWithTags, error) {
	ids, err := s.store.TagIDsForTask(r.Context(), t.ID)
	if err != nil {
		return taskWithTags{}, err
	}
	return taskWithTags{Task: t, TagIDs: ids}, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	filters := store.TaskFilters{PeriodID: r.URL.Query().Get("periodId")}
	if v := r.URL.Query().Get("completed"); v != "" {
		b := v == "true"
		filters.Completed = &b
	}
	tasks, err := s.store.ListTasks(r.Context(), user.ID, filters)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskWithTags, 0, len(tasks))
	for _, t := range tasks {
		tt, err := s.withTags(r, t)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, tt)
	}
	writeJSON(w, http.StatusOK, out)
}

type createTaskRequest struct {
	PeriodID   string            `json:"periodId"`
	Title      string            `json:"title"`
	SortOrder  int               `json:"sortOrder"`
	Attributes map[string]string `json:"attributes"`
	TagIDs     []string          `json:"tagIds"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.store.CreateTask(r.Context(), domain.Task{
		UserID:     user.ID,
		PeriodID:   req.PeriodID,
		Title:      req.Title,
		SortOrder:  req.SortOrder,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	for _, tagID := range req.TagIDs {
		if err := s.store.AddTaskTag(r.Context(), t.ID, tagID); err != nil {
			writeError(w, err)
			return
		}
	}
	s.broadcaster.Publish(user.ID, events.TagTasks)
	tt, err := s.withTags(r, t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tt)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	t, err := s.store.GetTask(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	tt, err := s.withTags(r, t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tt)
}

type updateTaskRequest struct {
	Title      string            `json:"title"`
	Completed  bool              `json:"completed"`
	SortOrder  int               `json:"sortOrder"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	taskID := chi.URLParam(r, "id")
	existing, err := s.store.GetTask(r.Context(), user.ID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Title = req.Title
	existing.SortOrder = req.SortOrder
	existing.Attributes = req.Attributes
	if req.Completed && !existing.Completed {
		now := nowUTC()
		existing.CompletedAt = &now
	} else if !req.Completed {
		existing.CompletedAt = nil
	}
	existing.Completed = req.Completed
	if err := s.store.UpdateTask(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagTasks)
	tt, err := s.withTags(r, existing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tt)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if err := s.store.DeleteTask(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagTasks)
	w.WriteHeader(http.StatusNoContent)
}

type timerRequest struct {
	Action string `json:"action"` // "start" | "stop"
}

func (s *Server) taskTimer(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	taskID := chi.URLParam(r, "id")
	var req timerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var t domain.Task
	var err error
	switch req.Action {
	case "start":
		t, err = s.store.StartTimer(r.Context(), user.ID, taskID, nowUTC())
	case "stop":
		t, err = s.store.StopTimer(r.Context(), user.ID, taskID, nowUTC())
	default:
		err = apperr.New("httpapi.taskTimer", apperr.KindValidation, fmt.Errorf("action must be start or stop"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagTasks)
	tt, err := s.withTags(r, t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tt)
}

type addTagRequest struct {
	TagID string `json:"tagId"`
}

func (s *Server) addTaskTag(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var req addTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.AddTaskTag(r.Context(), taskID, req.TagID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
