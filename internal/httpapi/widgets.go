package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
)

func (s *Server) mountWidgets(r chi.Router) {
	r.Get("/", s.listWidgets)
	r.Post("/", s.createWidget)
	r.Get("/{id}", s.getWidget)
	r.Put("/{id}", s.updateWidget)
	r.Delete("/{id}", s.deleteWidget)
}

func (s *Server) listWidgets(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	widgets, err := s.store.ListDashboardWidgets(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, widgets)
}

type widgetRequest struct {
	Title      string         `json:"title"`
	WidgetType string         `json:"widgetType"`
	Config     map[string]any `json:"config"`
	SortOrder  int            `json:"sortOrder"`
	Page       string         `json:"page"`
}

func (s *Server) createWidget(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req widgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	widget, err := s.store.CreateDashboardWidget(r.Context(), domain.DashboardWidget{
		UserID: user.ID, Title: req.Title, WidgetType: req.WidgetType, Config: req.Config, SortOrder: req.SortOrder, Page: req.Page,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagWidgets)
	writeJSON(w, http.StatusCreated, widget)
}

func (s *Server) getWidget(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	widget, err := s.store.GetDashboardWidget(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, widget)
}

func (s *Server) updateWidget(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetDashboardWidget(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req widgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Title = req.Title
	existing.WidgetType = req.WidgetType
	existing.Config = req.Config
	existing.SortOrder = req.SortOrder
	existing.Page = req.Page
	if err := s.store.UpdateDashboardWidget(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagWidgets)
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteWidget(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if err := s.store.DeleteDashboardWidget(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.broadcaster.Publish(user.ID, events.TagWidgets)
	w.WriteHeader(http.StatusNoContent)
}
