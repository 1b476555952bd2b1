package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/plugins"
)

func (s *Server) mountPlugins(r chi.Router) {
	r.Get("/", s.listPlugins)
	r.Post("/{id}/sync", s.syncPlugin)
	r.Get("/{id}/auth", s.startPluginAuth)
	r.Get("/{id}/callback", s.pluginAuthCallback)
}

type pluginView struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Icon        string                   `json:"icon"`
	Configured  bool                     `json:"configured"`
	Connected   bool                     `json:"connected"`
	Fields      []plugins.AvailableField `json:"fields"`
	SetupInfo   []plugins.SetupStep      `json:"setupInfo"`
	LastSync    *time.Time               `json:"lastSync,omitempty"`
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	conns, err := s.store.ListPluginConnectionsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	connByID := make(map[string]domain.PluginConnection, len(conns))
	for _, c := range conns {
		connByID[c.PluginID] = c
	}

	out := make([]pluginView, 0, len(s.registry.List()))
	for _, p := range s.registry.List() {
		config, err := s.pluginConfigSnapshot(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		view := pluginView{
			ID:          p.ID(),
			Name:        p.Name(),
			Description: p.Description(),
			Icon:        p.Icon(),
			Configured:  p.IsConfigured(config),
			Fields:      p.AvailableFields(),
			SetupInfo:   p.SetupInfo(config),
		}
		if conn, ok := connByID[p.ID()]; ok {
			view.Connected = conn.Enabled
			view.LastSync = conn.LastSync
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) syncPlugin(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	pluginID := chi.URLParam(r, "id")
	var req struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.scheduler.SyncNow(r.Context(), user.ID, pluginID, req.StartDate, req.EndDate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startPluginAuth(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	pluginID := chi.URLParam(r, "id")
	plugin, ok := s.registry.Get(pluginID)
	if !ok {
		writeError(w, apperr.New("httpapi.startPluginAuth", apperr.KindNotFound, fmt.Errorf("unknown plugin %q", pluginID)))
		return
	}
	config, err := s.pluginConfigSnapshot(r.Context(), plugin)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Start(r.Context(), user.ID, pluginID, config, nowUTC())
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, result.AuthorizationURL, http.StatusFound)
}

func (s *Server) pluginAuthCallback(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "id")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	redirectTo := func(success bool, errMsg string) string {
		q := url.Values{}
		if success {
			q.Set("success", "true")
		} else {
			q.Set("success", "false")
			q.Set("error", errMsg)
		}
		return s.publicBaseURL + "/settings/plugins/" + pluginID + "?" + q.Encode()
	}

	plugin, ok := s.registry.Get(pluginID)
	if !ok {
		http.Redirect(w, r, redirectTo(false, "unknown plugin"), http.StatusFound)
		return
	}
	config, err := s.pluginConfigSnapshot(r.Context(), plugin)
	if err != nil {
		http.Redirect(w, r, redirectTo(false, errMessage(err, "configuration error")), http.StatusFound)
		return
	}

	userID, _, creds, err := s.broker.Callback(r.Context(), state, code, config, nowUTC())
	if err != nil {
		http.Redirect(w, r, redirectTo(false, errMessage(err, "authorization failed")), http.StatusFound)
		return
	}

	conn := domain.PluginConnection{
		UserID:   userID,
		PluginID: pluginID,
		Enabled:  true,
		Credentials: domain.PluginCredentials{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ExpiresAt:    creds.ExpiresAt,
			TokenType:    creds.TokenType,
			Scope:        creds.Scope,
		},
	}
	if err := s.store.UpsertPluginConnection(r.Context(), conn); err != nil {
		http.Redirect(w, r, redirectTo(false, errMessage(err, "could not save connection")), http.StatusFound)
		return
	}
	http.Redirect(w, r, redirectTo(true, ""), http.StatusFound)
}

// pluginConfigSnapshot resolves every admin config field a plugin
// declares, plus global.base_url, mirroring sync.Scheduler's
// buildConfigSnapshot.
func (s *Server) pluginConfigSnapshot(ctx context.Context, p plugins.Plugin) (plugins.ConfigSnapshot, error) {
	const op = "httpapi.pluginConfigSnapshot"
	snapshot := plugins.ConfigSnapshot{}
	keys := []string{"global.base_url"}
	for _, f := range p.AdminConfigFields() {
		keys = append(keys, f.Key)
	}
	for _, key := range keys {
		value, present, err := s.config.Get(ctx, key)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		if present {
			snapshot[key] = value
		}
	}
	return snapshot, nil
}
