package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
)

func (s *Server) mountPeriods(r chi.Router) {
	r.Get("/", s.listPeriods)
	r.Post("/", s.createPeriod)
	r.Get("/{id}", s.getPeriod)
}

func (s *Server) listPeriods(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	ptype := domain.PeriodType(r.URL.Query().Get("type"))
	var year *int
	if y := r.URL.Query().Get("year"); y != "" {
		n, err := strconv.Atoi(y)
		if err != nil {
			writeError(w, apperr.New("httpapi.listPeriods", apperr.KindValidation, err))
			return
		}
		year = &n
	}
	periods, err := s.store.ListPeriods(r.Context(), user.ID, ptype, year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

type createPeriodRequest struct {
	Type  domain.PeriodType `json:"type"`
	Year  int               `json:"year"`
	Month *int              `json:"month"`
	Week  *int               `json:"week"`
	Day   *int               `json:"day"`
}

// createPeriod is idempotent per spec.md §4.A: at most one row exists
// per (user, type, scope-tuple), created lazily.
func (s *Server) createPeriod(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req createPeriodRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.store.GetOrCreatePeriod(r.Context(), user.ID, req.Type, req.Year, req.Month, req.Week, req.Day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getPeriod(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	p, err := s.store.GetPeriod(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
