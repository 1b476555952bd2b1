package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
)

// bindQ installs the q capability object: data fetch + sync helpers.
func bindQ(vm *goja.Runtime, ctx context.Context, data DataProvider, lim limits) error {
	q := vm.NewObject()

	q.Set("daily", func(call goja.FunctionCall) goja.Value {
		filters := DailyFilters{}
		if len(call.Arguments) > 0 {
			decodeFilters(vm, call.Arguments[0], &filters)
		}
		records, err := data.Daily(ctx, filters)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		records = capRows(records, lim.maxRowsPerFetch)
		return vm.ToValue(records)
	})

	q.Set("tasks", func(call goja.FunctionCall) goja.Value {
		filters := TaskFilters{}
		if len(call.Arguments) > 0 {
			decodeFilters(vm, call.Arguments[0], &filters)
		}
		records, err := data.Tasks(ctx, filters)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		records = capRows(records, lim.maxRowsPerFetch)
		return vm.ToValue(records)
	})

	q.Set("objectives", func(call goja.FunctionCall) goja.Value {
		filters := ObjectiveFilters{}
		if len(call.Arguments) > 0 {
			decodeFilters(vm, call.Arguments[0], &filters)
		}
		records, err := data.Objectives(ctx, filters)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		records = capRows(records, lim.maxRowsPerFetch)
		return vm.ToValue(records)
	})

	q.Set("today", func(call goja.FunctionCall) goja.Value {
		info, err := data.Today(ctx)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(info)
	})

	q.Set("sum", func(call goja.FunctionCall) goja.Value {
		list := call.Argument(0).Export()
		field := call.Argument(1).String()
		return vm.ToValue(sumField(list, field))
	})
	q.Set("avg", func(call goja.FunctionCall) goja.Value {
		list := call.Argument(0).Export()
		field := call.Argument(1).String()
		items := toSlice(list)
		if len(items) == 0 {
			return vm.ToValue(0)
		}
		return vm.ToValue(sumField(list, field) / float64(len(items)))
	})
	q.Set("count", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(len(toSlice(call.Argument(0).Export())))
	})
	q.Set("parseTime", func(call goja.FunctionCall) goja.Value {
		minutes, err := parseTimeToMinutes(call.Argument(0).String())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(minutes)
	})
	q.Set("formatDuration", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(formatDuration(call.Argument(0).ToFloat()))
	})
	q.Set("formatPercent", func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0).ToFloat()
		total := call.Argument(1).ToFloat()
		return vm.ToValue(formatPercent(v, total))
	})

	return vm.Set("q", q)
}

// bindRender installs the render capability: append-only ordered output.
func bindRender(vm *goja.Runtime, renders *[]RenderOp, lim limits) error {
	render := vm.NewObject()

	appendOp := func(op RenderOp) error {
		if len(*renders) >= lim.maxRenderOps {
			panic(vm.ToValue(fmt.Sprintf("render op limit of %d exceeded", lim.maxRenderOps)))
		}
		*renders = append(*renders, op)
		return nil
	}

	render.Set("markdown", func(call goja.FunctionCall) goja.Value {
		_ = appendOp(RenderOp{Kind: RenderMarkdown, Markdown: call.Argument(0).String()})
		return goja.Undefined()
	})
	render.Set("table", func(call goja.FunctionCall) goja.Value {
		var spec TableSpec
		decodeFilters(vm, call.Argument(0), &spec)
		_ = appendOp(RenderOp{Kind: RenderTable, Table: spec})
		return goja.Undefined()
	})
	render.Set("json", func(call goja.FunctionCall) goja.Value {
		_ = appendOp(RenderOp{Kind: RenderJSON, JSON: call.Argument(0).Export()})
		return goja.Undefined()
	})

	plot := vm.NewObject()
	plotFn := func(kind string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			_ = appendOp(RenderOp{Kind: RenderPlot, Plot: PlotSpec{Kind: kind, Spec: call.Argument(0).Export()}})
			return goja.Undefined()
		}
	}
	plot.Set("bar", plotFn("bar"))
	plot.Set("line", plotFn("line"))
	plot.Set("pie", plotFn("pie"))
	plot.Set("multi", plotFn("multi"))
	render.Set("plot", plot)

	return vm.Set("render", render)
}

// bindProgress installs progress.set: score = clamp(num/denom, 0, 1);
// denom<=0 is a silent no-op; only the last call wins.
func bindProgress(vm *goja.Runtime, progress **Progress) error {
	p := vm.NewObject()
	p.Set("set", func(call goja.FunctionCall) goja.Value {
		num := call.Argument(0).ToFloat()
		denom := call.Argument(1).ToFloat()
		if denom <= 0 {
			return goja.Undefined()
		}
		score := num / denom
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		*progress = &Progress{Score: score, Label: fmt.Sprintf("%s / %s", trimFloat(num), trimFloat(denom))}
		return goja.Undefined()
	})
	return vm.Set("progress", p)
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// decodeFilters copies a JS object argument into a Go struct by
// round-tripping through JSON, which gives us goja's already-exported
// map[string]any the same case-insensitive field matching json.Unmarshal
// uses elsewhere in this codebase, without writing bespoke reflection
// per filter type.
func decodeFilters(vm *goja.Runtime, v goja.Value, out any) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	exported := v.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, out)
}

func sumField(list any, field string) float64 {
	var total float64
	for _, item := range toSlice(list) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if f, ok := toFloat(m[field]); ok {
			total += f
		}
	}
	return total
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func parseTimeToMinutes(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

func formatDuration(minutes float64) string {
	total := int(minutes)
	h, m := total/60, total%60
	return fmt.Sprintf("%02d:%02d", h, m)
}

func formatPercent(value, total float64) string {
	if total == 0 {
		return "0%"
	}
	pct := int(value / total * 100)
	return fmt.Sprintf("%d%%", pct)
}

func capRows[T any](rows []T, max int) []T {
	if len(rows) > max {
		return rows[:max]
	}
	return rows
}
