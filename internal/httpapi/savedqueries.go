package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/domain"
)

func (s *Server) mountSavedQueries(r chi.Router) {
	r.Get("/", s.listSavedQueries)
	r.Post("/", s.createSavedQuery)
	r.Get("/{id}", s.getSavedQuery)
	r.Put("/{id}", s.updateSavedQuery)
	r.Delete("/{id}", s.deleteSavedQuery)
}

func (s *Server) listSavedQueries(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	qs, err := s.store.ListSavedQueries(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

type savedQueryRequest struct {
	Name      string           `json:"name"`
	Code      string           `json:"code"`
	QueryType domain.QueryType `json:"queryType"`
}

func (s *Server) createSavedQuery(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req savedQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := s.store.CreateSavedQuery(r.Context(), domain.SavedQuery{UserID: user.ID, Name: req.Name, Code: req.Code, QueryType: req.QueryType})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) getSavedQuery(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	q, err := s.store.GetSavedQuery(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) updateSavedQuery(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetSavedQuery(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req savedQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Name = req.Name
	existing.Code = req.Code
	existing.QueryType = req.QueryType
	existing.UpdatedAt = nowUTC()
	if err := s.store.UpdateSavedQuery(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteSavedQuery(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if err := s.store.DeleteSavedQuery(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
