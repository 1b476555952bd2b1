package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/scoring"
)

// objectiveWithScore is the wire shape: an Objective plus its
// currently-displayed score, per spec.md §4.F.
type objectiveWithScore struct {
	domain.Objective
	Score float64 `json:"score"`
}

func (s *Server) mountObjectives(r chi.Router) {
	r.Get("/", s.listObjectives)
	r.Post("/", s.createObjective)
	r.Post("/kr-progress", s.evaluateKRProgress)
	r.Get("/{id}", s.getObjective)
	r.Put("/{id}", s.updateObjective)
	r.Delete("/{id}", s.deleteObjective)
	r.Get("/{id}/key-results", s.listKeyResultsForObjective)
	r.Post("/{id}/key-results", s.createKeyResult)
}

func (s *Server) listObjectives(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	year := time.Now().UTC().Year()
	if y := r.URL.Query().Get("year"); y != "" {
		n, err := strconv.Atoi(y)
		if err != nil {
			writeError(w, apperr.New("httpapi.listObjectives", apperr.KindValidation, err))
			return
		}
		year = n
	}
	var level *domain.ObjectiveLevel
	if l := r.URL.Query().Get("level"); l != "" {
		lv := domain.ObjectiveLevel(l)
		level = &lv
	}
	objectives, err := s.store.ListObjectives(r.Context(), user.ID, year, level)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]objectiveWithScore, 0, len(objectives))
	for _, o := range objectives {
		scored, err := s.scoreObjective(r.Context(), o)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, scored)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) scoreObjective(ctx context.Context, o domain.Objective) (objectiveWithScore, error) {
	krs, err := s.store.ListKeyResultsByObjective(ctx, o.ID)
	if err != nil {
		return objectiveWithScore{}, err
	}
	return objectiveWithScore{Objective: o, Score: scoring.ObjectiveScore(krs)}, nil
}

type objectiveRequest struct {
	Level    domain.ObjectiveLevel `json:"level"`
	Year     int                   `json:"year"`
	Month    *int                  `json:"month"`
	Title    string                `json:"title"`
	Weight   float64               `json:"weight"`
	ParentID *string               `json:"parentId"`
}

func (s *Server) createObjective(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req objectiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := s.store.CreateObjective(r.Context(), domain.Objective{
		UserID: user.ID, Level: req.Level, Year: req.Year, Month: req.Month, Title: req.Title, Weight: req.Weight, ParentID: req.ParentID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	writeJSON(w, http.StatusCreated, o)
}

// getObjective has no single-row store lookup; year is unknown from the
// id alone, so findObjective lists and filters the current year and the
// five years before it. Objectives from earlier years are not found.
func (s *Server) getObjective(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	id := chi.URLParam(r, "id")
	o, ok, err := s.findObjective(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New("httpapi.getObjective", apperr.KindNotFound, apperr.ErrNotFound))
		return
	}
	scored, err := s.scoreObjective(r.Context(), o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

func (s *Server) updateObjective(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	id := chi.URLParam(r, "id")
	existing, ok, err := s.findObjective(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New("httpapi.updateObjective", apperr.KindNotFound, apperr.ErrNotFound))
		return
	}
	var req objectiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Title = req.Title
	existing.Weight = req.Weight
	existing.Month = req.Month
	existing.ParentID = req.ParentID
	if err := s.store.UpdateObjective(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	scored, err := s.scoreObjective(r.Context(), existing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

func (s *Server) deleteObjective(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if err := s.store.DeleteObjective(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	w.WriteHeader(http.StatusNoContent)
}

// findObjective scans the last few years for a matching id, since
// ListObjectives is year-scoped by design (per-API callers always know
// the year; an id-only lookup has to search).
func (s *Server) findObjective(ctx context.Context, userID, id string) (domain.Objective, bool, error) {
	now := time.Now().UTC().Year()
	for year := now; year >= now-5; year-- {
		objectives, err := s.store.ListObjectives(ctx, userID, year, nil)
		if err != nil {
			return domain.Objective{}, false, err
		}
		for _, o := range objectives {
			if o.ID == id {
				return o, true, nil
			}
		}
	}
	return domain.Objective{}, false, nil
}

func (s *Server) listKeyResultsForObjective(w http.ResponseWriter, r *http.Request) {
	krs, err := s.store.ListKeyResultsByObjective(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, krs)
}

type createKeyResultRequest struct {
	Title             string                 `json:"title"`
	Weight            float64                `json:"weight"`
	MeasurementType   domain.MeasurementType `json:"measurementType"`
	CheckboxItems     []domain.CheckboxItem  `json:"checkboxItems"`
	ProgressQueryID   *string                `json:"progressQueryId"`
	ProgressQueryCode *string                `json:"progressQueryCode"`
}

func (s *Server) createKeyResult(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	objectiveID := chi.URLParam(r, "id")
	var req createKeyResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kr, err := s.store.CreateKeyResult(r.Context(), domain.KeyResult{
		ObjectiveID: objectiveID, UserID: user.ID, Title: req.Title, Weight: req.Weight,
		MeasurementType: req.MeasurementType, CheckboxItems: req.CheckboxItems,
		ProgressQueryID: req.ProgressQueryID, ProgressQueryCode: req.ProgressQueryCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	writeJSON(w, http.StatusCreated, kr)
}

type krProgressRequest struct {
	KRIDs []string `json:"krIds"`
}

type krProgressEntry struct {
	Score *float64 `json:"score,omitempty"`
	Error string   `json:"error,omitempty"`
}

// evaluateKRProgress implements spec.md §6's
// POST /objectives/kr-progress {krIds} -> {results: {krId: {score?, error?}}}.
func (s *Server) evaluateKRProgress(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req krProgressRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results := s.executor.EvaluateKRs(r.Context(), user.ID, req.KRIDs)
	out := make(map[string]krProgressEntry, len(results))
	for id, res := range results {
		entry := krProgressEntry{Error: res.Error}
		if res.Error == "" {
			score := res.Score
			entry.Score = &score
		}
		out[id] = entry
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
