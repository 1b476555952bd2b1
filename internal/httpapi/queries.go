package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zli117/Orbit-sub000/internal/query"
	"github.com/zli117/Orbit-sub000/internal/sandbox"
)

func (s *Server) mountQueries(r chi.Router) {
	r.Post("/execute", s.executeQuery)
	r.Post("/{id}", s.executeSavedQuery)
}

type executeRequest struct {
	Code   string         `json:"code"`
	Params map[string]any `json:"params"`
}

// executeResponse is spec.md §6's
// {renders, returnValue?, progress?, error?, elapsedMs} shape.
type executeResponse struct {
	Renders     []renderOpView `json:"renders"`
	ReturnValue any            `json:"returnValue,omitempty"`
	Progress    *progressView  `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	ElapsedMs   int64          `json:"elapsedMs"`
}

// renderOpView gives RenderOp's untagged fields a wire-stable camelCase
// shape; only the field matching Kind is populated.
type renderOpView struct {
	Kind     sandbox.RenderOpKind `json:"kind"`
	Markdown string               `json:"markdown,omitempty"`
	Table    *sandbox.TableSpec   `json:"table,omitempty"`
	JSON     any                  `json:"json,omitempty"`
	Plot     *sandbox.PlotSpec    `json:"plot,omitempty"`
}

func toRenderOpViews(ops []sandbox.RenderOp) []renderOpView {
	views := make([]renderOpView, 0, len(ops))
	for _, op := range ops {
		view := renderOpView{Kind: op.Kind}
		switch op.Kind {
		case sandbox.RenderMarkdown:
			view.Markdown = op.Markdown
		case sandbox.RenderTable:
			table := op.Table
			view.Table = &table
		case sandbox.RenderJSON:
			view.JSON = op.JSON
		case sandbox.RenderPlot:
			plot := op.Plot
			view.Plot = &plot
		}
		views = append(views, view)
	}
	return views
}

type progressView struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

func toExecuteResponse(outcome sandbox.Outcome, runErr error) executeResponse {
	resp := executeResponse{
		Renders:     toRenderOpViews(outcome.Renders),
		ReturnValue: outcome.ReturnValue,
		ElapsedMs:   outcome.ElapsedMs,
	}
	if outcome.Progress != nil {
		resp.Progress = &progressView{Score: outcome.Progress.Score, Label: outcome.Progress.Label}
	}
	if runErr != nil {
		resp.Error = runErr.Error()
	} else if outcome.Error != "" {
		resp.Error = outcome.Error
	}
	return resp
}

func (s *Server) executeQuery(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := s.executor.Execute(r.Context(), query.Request{UserID: user.ID, Code: req.Code, Params: req.Params})
	if err != nil && outcome.ElapsedMs == 0 && outcome.Renders == nil && outcome.ReturnValue == nil {
		// Rejected before the sandbox ever ran (rate limit, size cap): no
		// partial outcome to report alongside the error.
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecuteResponse(outcome, err))
}

type executeSavedRequest struct {
	Params map[string]any `json:"params"`
}

func (s *Server) executeSavedQuery(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	queryID := chi.URLParam(r, "id")
	var req executeSavedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := s.executor.Execute(r.Context(), query.Request{UserID: user.ID, QueryID: queryID, Params: req.Params})
	if err != nil && outcome.ElapsedMs == 0 && outcome.Renders == nil && outcome.ReturnValue == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecuteResponse(outcome, err))
}
