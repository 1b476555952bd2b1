package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/domain"
)

func (s *Server) mountConfig(r chi.Router) {
	r.Get("/", s.requireAdmin(s.listConfig))
	r.Put("/", s.requireAdmin(s.putConfig))
}

func (s *Server) listConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.config.GetAll(r.Context(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type putConfigRequest struct {
	Entries []domain.ConfigEntry `json:"entries"`
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.config.PutMany(r.Context(), req.Entries); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.config.GetAll(r.Context(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
