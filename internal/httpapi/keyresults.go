package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/scoring"
)

func (s *Server) mountKeyResults(r chi.Router) {
	r.Get("/{id}", s.getKeyResult)
	r.Put("/{id}", s.updateKeyResult)
	r.Delete("/{id}", s.deleteKeyResult)
}

func (s *Server) getKeyResult(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	kr, err := s.store.GetKeyResult(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kr)
}

func (s *Server) updateKeyResult(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetKeyResult(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createKeyResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Title = req.Title
	existing.Weight = req.Weight
	existing.MeasurementType = req.MeasurementType
	existing.CheckboxItems = req.CheckboxItems
	existing.ProgressQueryID = req.ProgressQueryID
	existing.ProgressQueryCode = req.ProgressQueryCode
	if existing.MeasurementType == domain.MeasurementCheckboxes {
		existing.Score = scoring.KRScore(existing)
	}
	if err := s.store.UpdateKeyResult(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteKeyResult(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if err := s.store.DeleteKeyResult(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagObjectives)
	w.WriteHeader(http.StatusNoContent)
}
