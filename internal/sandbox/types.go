// Package sandbox implements component D: executing a string of user
// code deterministically and safely, with a curated API exposed as
// globals, inside a goja interpreter.
package sandbox

import "time"

// RenderOpKind tags which variant a RenderOp carries.
type RenderOpKind string

const (
	RenderMarkdown RenderOpKind = "markdown"
	RenderTable    RenderOpKind = "table"
	RenderJSON     RenderOpKind = "json"
	RenderPlot     RenderOpKind = "plot"
)

// RenderOp is one entry of the ordered output sequence a run produces.
// Exactly one of the payload fields is meaningful, selected by Kind.
type RenderOp struct {
	Kind RenderOpKind

	Markdown string         // RenderMarkdown
	Table    TableSpec      // RenderTable
	JSON     any            // RenderJSON
	Plot     PlotSpec       // RenderPlot
}

// TableSpec is render.table's payload.
type TableSpec struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

// PlotSpec is render.plot.*'s payload.
type PlotSpec struct {
	Kind string `json:"kind"` // bar, line, pie, multi
	Spec any    `json:"spec"`
}

// Progress is the value written by progress.set, carried alongside a
// human label ("num / denom").
type Progress struct {
	Score float64
	Label string
}

// Outcome is the result of one sandbox run.
type Outcome struct {
	ReturnValue any
	Renders     []RenderOp
	Progress    *Progress
	Error       string
	ElapsedMs   int64
}

// limits bundles the resource caps enforced by the host.
type limits struct {
	maxWallClock    time.Duration
	maxMemoryBytes  int64
	maxRenderOps    int
	maxRowsPerFetch int
	maxCodeBytes    int
	maxErrorBytes   int
}

// DefaultLimits matches spec.md §4.D's resource caps.
func DefaultLimits() limits {
	return limits{
		maxWallClock:    5 * time.Second,
		maxMemoryBytes:  128 * 1024 * 1024,
		maxRenderOps:    1024,
		maxRowsPerFetch: 10000,
		maxCodeBytes:    100 * 1024,
		maxErrorBytes:   2 * 1024,
	}
}
