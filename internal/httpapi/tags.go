package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/domain"
)

func (s *Server) mountTags(r chi.Router) {
	r.Get("/", s.listTags)
	r.Post("/", s.createTag)
	r.Delete("/{id}", s.deleteTag)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	tags, err := s.store.ListTags(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

type createTagRequest struct {
	Name string `json:"name"`
}

func (s *Server) createTag(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req createTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.store.CreateTag(r.Context(), domain.Tag{UserID: user.ID, Name: req.Name})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) deleteTag(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if err := s.store.DeleteTag(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
