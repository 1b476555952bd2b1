package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/templates"
)

// mountMetricsTemplates handles both template listing/creation and the
// per-date flexible-metrics view, per spec.md §6's
// "GET/PUT /metrics/flexible/{YYYY-MM-DD}".
func (s *Server) mountMetricsTemplates(r chi.Router) {
	r.Get("/templates", s.listMetricsTemplates)
	r.Post("/templates", s.createMetricsTemplate)
	r.Get("/flexible/{date}", s.getFlexibleMetrics)
	r.Put("/flexible/{date}", s.putFlexibleMetrics)
}

func (s *Server) listMetricsTemplates(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	templates, err := s.store.ListMetricsTemplates(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

type metricsTemplateRequest struct {
	Name              string                     `json:"name"`
	EffectiveFrom     string                     `json:"effectiveFrom"`
	MetricsDefinition []domain.MetricDefinition `json:"metricsDefinition"`
}

func (s *Server) createMetricsTemplate(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req metricsTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := templates.ValidateTemplate(req.MetricsDefinition); err != nil {
		writeError(w, apperr.New("httpapi.createMetricsTemplate", apperr.KindValidation, err))
		return
	}
	t, err := s.store.CreateMetricsTemplate(r.Context(), domain.MetricsTemplate{
		UserID: user.ID, Name: req.Name, EffectiveFrom: req.EffectiveFrom, MetricsDefinition: req.MetricsDefinition,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type flexibleMetricsResponse struct {
	Template domain.MetricsTemplate `json:"template"`
	Metrics  []domain.MetricDefinition `json:"metrics"`
	Values   map[string]any         `json:"values"`
	Errors   map[string]string      `json:"errors"`
}

func (s *Server) getFlexibleMetrics(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	date := chi.URLParam(r, "date")
	res, err := s.templates.ResolveForDate(r.Context(), user.ID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flexibleMetricsResponse{
		Template: res.Template,
		Metrics:  res.Template.MetricsDefinition,
		Values:   res.Values,
		Errors:   res.Errors,
	})
}

type putFlexibleMetricsRequest struct {
	Values map[string]any `json:"values"`
}

func (s *Server) putFlexibleMetrics(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	date := chi.URLParam(r, "date")
	var req putFlexibleMetricsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.templates.PutValues(r.Context(), user.ID, date, req.Values); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.templates.ResolveForDate(r.Context(), user.ID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagMetrics)
	s.broadcaster.Publish(user.ID, events.TagDaily)
	writeJSON(w, http.StatusOK, flexibleMetricsResponse{
		Template: res.Template,
		Metrics:  res.Template.MetricsDefinition,
		Values:   res.Values,
		Errors:   res.Errors,
	})
}
