// Package templates implements component C: resolving a (userId,
// date) pair to the active metrics template and materializing its
// input/external/computed values.
package templates

import (
	"context"
	"fmt"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/exprlang"
	"github.com/zli117/Orbit-sub000/internal/store"
)

// templateStore is the subset of *store.Store the engine needs.
type templateStore interface {
	ListActiveTemplate(ctx context.Context, userID, date string) (domain.MetricsTemplate, bool, error)
	GetMetricValuesForDate(ctx context.Context, userID, date string) (map[string]domain.DailyMetricValue, error)
	UpsertMetricValue(ctx context.Context, userID, date, name string, value any, source string) error
}

// Engine resolves and materializes metric template values.
type Engine struct {
	store templateStore
}

// New constructs an Engine backed by the given store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Resolution is the result of resolving a template for a date.
type Resolution struct {
	Template domain.MetricsTemplate
	Values   map[string]any
	Errors   map[string]string
}

// ResolveForDate implements component C's read path: pick the active
// template, read persisted values, evaluate computed expressions in
// topological order, and emit {values, errors}.
func (e *Engine) ResolveForDate(ctx context.Context, userID, date string) (Resolution, error) {
	const op = "templates.ResolveForDate"

	tmpl, ok, err := e.store.ListActiveTemplate(ctx, userID, date)
	if err != nil {
		return Resolution{}, apperr.New(op, apperr.KindInternal, err)
	}
	if !ok {
		return Resolution{Values: map[string]any{}, Errors: map[string]string{}}, nil
	}

	persisted, err := e.store.GetMetricValuesForDate(ctx, userID, date)
	if err != nil {
		return Resolution{}, apperr.New(op, apperr.KindInternal, err)
	}

	defsByName := map[string]domain.MetricDefinition{}
	refsByName := map[string][]string{}
	parsedByName := map[string]exprlang.Node{}
	for _, def := range tmpl.MetricsDefinition {
		defsByName[def.Name] = def
		if def.Type == domain.MetricTypeComputed {
			node, perr := exprlang.Parse(def.Expression)
			if perr != nil {
				refsByName[def.Name] = nil
				continue
			}
			parsedByName[def.Name] = node
			refsByName[def.Name] = exprlang.References(node)
		}
	}

	order, err := exprlang.TopoSort(refsByName)
	if err != nil {
		// Save-time validation should have rejected this; surface it
		// as an internal error rather than silently dropping metrics.
		return Resolution{}, apperr.New(op, apperr.KindInternal, fmt.Errorf("computed metric cycle: %w", err))
	}

	values := map[string]any{}
	errs := map[string]string{}
	env := exprlang.Env{}

	evalOrder := make([]string, 0, len(tmpl.MetricsDefinition))
	computedSet := map[string]bool{}
	for _, name := range order {
		computedSet[name] = true
	}
	for _, def := range tmpl.MetricsDefinition {
		if def.Type != domain.MetricTypeComputed {
			evalOrder = append(evalOrder, def.Name)
		}
	}
	evalOrder = append(evalOrder, order...)

	for _, name := range evalOrder {
		def := defsByName[name]
		switch def.Type {
		case domain.MetricTypeInput:
			if row, ok := persisted[name]; ok {
				values[name] = row.Value
			} else {
				values[name] = nil
			}
			env[name] = values[name]
		case domain.MetricTypeExternal:
			expected := def.Source
			if row, ok := persisted[expected]; ok && row.Source != "" && expected != "" {
				values[name] = row.Value
			} else {
				values[name] = nil
			}
			env[name] = values[name]
		case domain.MetricTypeComputed:
			node, parsedOK := parsedByName[name]
			if !parsedOK {
				errs[name] = "computed expression failed to parse"
				values[name] = nil
				env[name] = nil
				continue
			}
			v, evalErr := exprlang.Eval(node, env)
			if evalErr != nil {
				errs[name] = evalErr.Error()
				values[name] = nil
				env[name] = nil
				continue
			}
			values[name] = v
			env[name] = v
		}
	}

	return Resolution{Template: tmpl, Values: values, Errors: errs}, nil
}

// PutValues updates user-source (input) rows only, then re-derives and
// persists computed rows so subsequent reads don't re-evaluate.
// External rows are written out-of-band by the sync scheduler.
func (e *Engine) PutValues(ctx context.Context, userID, date string, inputValues map[string]any) error {
	const op = "templates.PutValues"

	tmpl, ok, err := e.store.ListActiveTemplate(ctx, userID, date)
	if err != nil {
		return apperr.New(op, apperr.KindInternal, err)
	}
	if !ok {
		return apperr.New(op, apperr.KindNotFound, apperr.ErrNotFound)
	}

	inputNames := map[string]bool{}
	for _, def := range tmpl.MetricsDefinition {
		if def.Type == domain.MetricTypeInput {
			inputNames[def.Name] = true
		}
	}
	for name, value := range inputValues {
		if !inputNames[name] {
			return apperr.New(op, apperr.KindValidation, fmt.Errorf("%q is not an input metric on the active template", name))
		}
		if err := e.store.UpsertMetricValue(ctx, userID, date, name, value, "user"); err != nil {
			return apperr.New(op, apperr.KindInternal, err)
		}
	}

	resolution, err := e.ResolveForDate(ctx, userID, date)
	if err != nil {
		return err
	}
	for _, def := range tmpl.MetricsDefinition {
		if def.Type != domain.MetricTypeComputed {
			continue
		}
		if _, hadErr := resolution.Errors[def.Name]; hadErr {
			continue
		}
		if err := e.store.UpsertMetricValue(ctx, userID, date, def.Name, resolution.Values[def.Name], "user"); err != nil {
			return apperr.New(op, apperr.KindInternal, err)
		}
	}
	return nil
}

// ValidateTemplate rejects templates with duplicate names, unparsable
// computed expressions, or cyclic computed references. Called at
// template save time per spec.md §3 and §8's acyclic-graph invariant.
func ValidateTemplate(defs []domain.MetricDefinition) error {
	seen := map[string]bool{}
	refsByName := map[string][]string{}
	for _, def := range defs {
		if seen[def.Name] {
			return fmt.Errorf("duplicate metric name %q", def.Name)
		}
		seen[def.Name] = true
		if def.Type == domain.MetricTypeComputed {
			node, err := exprlang.Parse(def.Expression)
			if err != nil {
				return fmt.Errorf("metric %q: %w", def.Name, err)
			}
			refsByName[def.Name] = exprlang.References(node)
		}
	}
	if _, err := exprlang.TopoSort(refsByName); err != nil {
		return fmt.Errorf("computed metric reference graph has a cycle: %w", err)
	}
	return nil
}
