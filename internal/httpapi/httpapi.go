// Package httpapi implements the thin HTTP/JSON surface spec.md §6
// describes: stable opaque-id CRUD for the core entities, the sandbox
// query endpoints, the flexible-metrics day view, plugin sync/OAuth,
// the change-tag stream, and whole-profile export/import. It assumes
// an upstream layer has already authenticated the caller and attached
// an X-User-ID header; routing and login itself are out of scope.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/configresolver"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/events"
	"github.com/zli117/Orbit-sub000/internal/metrics"
	"github.com/zli117/Orbit-sub000/internal/oauthbroker"
	"github.com/zli117/Orbit-sub000/internal/plugins"
	"github.com/zli117/Orbit-sub000/internal/query"
	"github.com/zli117/Orbit-sub000/internal/store"
	"github.com/zli117/Orbit-sub000/internal/sync"
	"github.com/zli117/Orbit-sub000/internal/templates"
	"github.com/zli117/Orbit-sub000/pkg/logger"
)

// Server bundles every component the HTTP surface dispatches into.
type Server struct {
	store       *store.Store
	templates   *templates.Engine
	config      *configresolver.Resolver
	registry    *plugins.Registry
	broker      *oauthbroker.Broker
	scheduler   *sync.Scheduler
	broadcaster *events.Broadcaster
	executor    *query.Executor
	log         *logger.Logger

	publicBaseURL string
}

// New constructs a Server over the given components. log may be nil.
func New(
	st *store.Store,
	tmpl *templates.Engine,
	cfg *configresolver.Resolver,
	registry *plugins.Registry,
	broker *oauthbroker.Broker,
	scheduler *sync.Scheduler,
	broadcaster *events.Broadcaster,
	executor *query.Executor,
	publicBaseURL string,
	log *logger.Logger,
) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Server{
		store:         st,
		templates:     tmpl,
		config:        cfg,
		registry:      registry,
		broker:        broker,
		scheduler:     scheduler,
		broadcaster:   broadcaster,
		executor:      executor,
		publicBaseURL: publicBaseURL,
		log:           log,
	}
}

// Router builds the full chi.Mux, mounting every route family.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Route("/periods", s.mountPeriods)
		r.Route("/tasks", s.mountTasks)
		r.Route("/tags", s.mountTags)
		r.Route("/objectives", s.mountObjectives)
		r.Route("/key-results", s.mountKeyResults)
		r.Route("/saved-queries", s.mountSavedQueries)
		r.Route("/widgets", s.mountWidgets)
		r.Route("/metrics", s.mountMetricsTemplates) // note: distinct from Prometheus /metrics above
		r.Route("/queries", s.mountQueries)
		r.Route("/plugins", s.mountPlugins)
		r.Route("/config", s.mountConfig)
		r.Get("/events", s.handleEvents)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
	})

	return r
}

// ---- cross-cutting plumbing ------------------------------------------

type contextKey string

const userContextKey contextKey = "orbit.user"

// requireUser resolves X-User-ID to a live, non-disabled domain.User
// and attaches it to the request context. A missing header or unknown
// user is Unauthorized; a disabled account is Forbidden.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, apperr.New("httpapi.requireUser", apperr.KindUnauthorized, apperr.ErrNotFound))
			return
		}
		user, err := s.store.GetUser(r.Context(), userID)
		if err != nil {
			writeError(w, apperr.New("httpapi.requireUser", apperr.KindUnauthorized, err))
			return
		}
		if user.Disabled {
			writeError(w, apperr.New("httpapi.requireUser", apperr.KindForbidden, apperr.ErrNotFound))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(r *http.Request) domain.User {
	u, _ := r.Context().Value(userContextKey).(domain.User)
	return u
}

// requireAdmin wraps a handler that only the per-deployment admin may
// reach.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !userFromContext(r).IsAdmin {
			writeError(w, apperr.New("httpapi.requireAdmin", apperr.KindForbidden, apperr.ErrNotFound))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- JSON helpers -------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Sub   string `json:"sub,omitempty"`
}

// writeError maps the apperr.Kind taxonomy onto HTTP status codes and
// writes a trimmed JSON body: internal causes never reach the client.
func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	kind := apperr.KindInternal
	sub := ""
	if ok := asAppErr(err, &ae); ok {
		kind = ae.Kind
		sub = ae.Sub
	}

	status := http.StatusInternalServerError
	message := "internal server error"
	switch kind {
	case apperr.KindUnauthorized:
		status, message = http.StatusUnauthorized, "unauthorized"
	case apperr.KindForbidden:
		status, message = http.StatusForbidden, "forbidden"
	case apperr.KindNotFound:
		status, message = http.StatusNotFound, "not found"
	case apperr.KindConflict:
		status, message = http.StatusConflict, "conflict"
	case apperr.KindValidation:
		status, message = http.StatusBadRequest, errMessage(err, "invalid request")
	case apperr.KindRateLimited:
		status, message = http.StatusTooManyRequests, "rate limit exceeded"
	case apperr.KindSandbox:
		status, message = http.StatusUnprocessableEntity, errMessage(err, "sandbox error")
	case apperr.KindExternal:
		status, message = http.StatusBadGateway, errMessage(err, "external provider error")
	}

	writeJSON(w, status, errorResponse{Error: message, Kind: string(kind), Sub: sub})
}

func asAppErr(err error, target **apperr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(*apperr.Error); ok {
			*target = ae
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// errMessage surfaces the validation/sandbox/external error text
// itself (not internal causes) since those are meant to guide the
// caller toward a fix.
func errMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.New("httpapi.decodeJSON", apperr.KindValidation, err))
		return false
	}
	return true
}

func nowUTC() time.Time { return time.Now().UTC() }
