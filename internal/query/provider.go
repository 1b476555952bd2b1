// Package query implements component E: the Query Executor that binds
// a requesting user's identity to a sandbox run, enforces the
// rate-limit gate, and records the execution audit trail.
package query

import (
	"context"
	"sort"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/sandbox"
	"github.com/zli117/Orbit-sub000/internal/scoring"
	"github.com/zli117/Orbit-sub000/internal/store"
)

// providerStore is the subset of *store.Store the data provider reads.
type providerStore interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
	ListPeriods(ctx context.Context, userID string, ptype domain.PeriodType, year *int) ([]domain.TimePeriod, error)
	ListTasks(ctx context.Context, userID string, filters store.TaskFilters) ([]domain.Task, error)
	TagNamesForTask(ctx context.Context, taskID string) ([]string, error)
	ListObjectives(ctx context.Context, userID string, year int, level *domain.ObjectiveLevel) ([]domain.Objective, error)
	ListKeyResultsByObjective(ctx context.Context, objectiveID string) ([]domain.KeyResult, error)
	ListMetricValuesInRange(ctx context.Context, userID string, r store.DateRangeFilter) (map[string]map[string]any, error)
}

// hostProvider implements sandbox.DataProvider bound to one user, the
// only conduit sandboxed code has back into host state.
type hostProvider struct {
	store  providerStore
	userID string
	today  sandbox.TodayInfo
}

// NewDataProvider builds the DataProvider a sandbox run uses for the
// given user. today is snapshotted once by the caller before the run
// starts, so repeated q.today() calls within one run are consistent.
func NewDataProvider(s providerStore, userID string, today sandbox.TodayInfo) sandbox.DataProvider {
	return &hostProvider{store: s, userID: userID, today: today}
}

func (p *hostProvider) Daily(ctx context.Context, filters sandbox.DailyFilters) ([]sandbox.DailyRecord, error) {
	const op = "query.Daily"
	from, to := filters.From, filters.To
	if from == "" {
		from = "0000-01-01"
	}
	if to == "" {
		to = "9999-12-31"
	}
	byDate, err := p.store.ListMetricValuesInRange(ctx, p.userID, store.DateRangeFilter{From: from, To: to})
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	records := make([]sandbox.DailyRecord, 0, len(dates))
	for _, date := range dates {
		records = append(records, sandbox.DailyRecord{Date: date, Metrics: byDate[date]})
	}
	return records, nil
}

func (p *hostProvider) Tasks(ctx context.Context, filters sandbox.TaskFilters) ([]sandbox.TaskRecord, error) {
	const op = "query.Tasks"

	storeFilters := store.TaskFilters{Completed: filters.Completed}
	if filters.PeriodID != "" {
		storeFilters.PeriodID = filters.PeriodID
	}

	tasks, err := p.store.ListTasks(ctx, p.userID, storeFilters)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}

	var periodsByID map[string]domain.TimePeriod
	if filters.Year != nil || filters.Month != nil || filters.Week != nil || filters.PeriodType != "" {
		periodsByID = map[string]domain.TimePeriod{}
		ptype := domain.PeriodDaily
		if filters.PeriodType != "" {
			ptype = domain.PeriodType(filters.PeriodType)
		}
		for _, ptypeCandidate := range []domain.PeriodType{domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly, domain.PeriodYearly} {
			if filters.PeriodType != "" && ptypeCandidate != ptype {
				continue
			}
			periods, err := p.store.ListPeriods(ctx, p.userID, ptypeCandidate, filters.Year)
			if err != nil {
				return nil, apperr.New(op, apperr.KindInternal, err)
			}
			for _, period := range periods {
				periodsByID[period.ID] = period
			}
		}
	}

	records := make([]sandbox.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		if periodsByID != nil {
			period, ok := periodsByID[t.PeriodID]
			if !ok {
				continue
			}
			if filters.Week != nil && (period.Week == nil || *period.Week != *filters.Week) {
				continue
			}
			if filters.Month != nil && (period.Month == nil || *period.Month != *filters.Month) {
				continue
			}
		}

		tags, err := p.store.TagNamesForTask(ctx, t.ID)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		if filters.Tag != "" && !containsTag(tags, filters.Tag) {
			continue
		}

		attrs := make(map[string]any, len(t.Attributes))
		for k, v := range t.Attributes {
			attrs[k] = v
		}
		records = append(records, sandbox.TaskRecord{
			ID:          t.ID,
			Title:       t.Title,
			Completed:   t.Completed,
			TimeSpentMs: t.TimeSpentMs,
			Attributes:  attrs,
			Tags:        tags,
		})
	}
	return records, nil
}

func (p *hostProvider) Objectives(ctx context.Context, filters sandbox.ObjectiveFilters) ([]sandbox.ObjectiveRecord, error) {
	const op = "query.Objectives"
	year := p.today.Year
	if filters.Year != nil {
		year = *filters.Year
	}
	var level *domain.ObjectiveLevel
	if filters.Level != "" {
		l := domain.ObjectiveLevel(filters.Level)
		level = &l
	}

	objectives, err := p.store.ListObjectives(ctx, p.userID, year, level)
	if err != nil {
		return nil, apperr.New(op, apperr.KindInternal, err)
	}

	records := make([]sandbox.ObjectiveRecord, 0, len(objectives))
	for _, o := range objectives {
		krs, err := p.store.ListKeyResultsByObjective(ctx, o.ID)
		if err != nil {
			return nil, apperr.New(op, apperr.KindInternal, err)
		}
		score := scoring.ObjectiveScore(krs)
		records = append(records, sandbox.ObjectiveRecord{ID: o.ID, Title: o.Title, Score: score, Weight: o.Weight})
	}
	return records, nil
}

func (p *hostProvider) Today(ctx context.Context) (sandbox.TodayInfo, error) {
	return p.today, nil
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
