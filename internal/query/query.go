package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zli117/Orbit-sub000/internal/apperr"
	"github.com/zli117/Orbit-sub000/internal/audit"
	"github.com/zli117/Orbit-sub000/internal/domain"
	"github.com/zli117/Orbit-sub000/internal/metrics"
	"github.com/zli117/Orbit-sub000/internal/sandbox"
	"github.com/zli117/Orbit-sub000/internal/store"
)

// krScoreChangeThreshold is the minimum delta before a recomputed KR
// score is written back, per spec.md §4.E.
const krScoreChangeThreshold = 1e-3

// queryStore is the subset of *store.Store the executor needs, beyond
// providerStore (embedded so a hostProvider can be built from the same
// handle).
type queryStore interface {
	providerStore
	GetSavedQuery(ctx context.Context, userID, queryID string) (domain.SavedQuery, error)
	RecordExecution(ctx context.Context, log domain.QueryExecutionLog) error
	GetKeyResult(ctx context.Context, userID, krID string) (domain.KeyResult, error)
	UpdateKeyResultScore(ctx context.Context, userID, krID string, score float64) error
}

// Executor implements component E over a store, a rate limiter and the
// sandbox runtime.
type Executor struct {
	store   queryStore
	limiter *audit.SlidingWindowLimiter
}

// New constructs an Executor.
func New(s *store.Store, limiter *audit.SlidingWindowLimiter) *Executor {
	return &Executor{store: s, limiter: limiter}
}

// Request is one ad-hoc/widget execute call.
type Request struct {
	UserID    string
	Code      string // used when QueryID is empty
	QueryID   string
	Params    map[string]any
	QueryType domain.QueryType
}

// Execute runs Request.Code (or the SavedQuery it names) in the
// sandbox, rate-limited and audited per spec.md §4.E.
func (e *Executor) Execute(ctx context.Context, req Request) (sandbox.Outcome, error) {
	const op = "query.Execute"
	now := time.Now().UTC()

	if !e.limiter.Allow(req.UserID, now) {
		_ = e.store.RecordExecution(ctx, domain.QueryExecutionLog{
			UserID:      req.UserID,
			CodeSnippet: req.Code,
			Success:     false,
			RateLimited: true,
		})
		return sandbox.Outcome{}, apperr.New(op, apperr.KindRateLimited, fmt.Errorf("rate limit exceeded"))
	}

	code := req.Code
	if req.QueryID != "" {
		saved, err := e.store.GetSavedQuery(ctx, req.UserID, req.QueryID)
		if err != nil {
			return sandbox.Outcome{}, err
		}
		code = saved.Code
	}
	if len(code) > domain.MaxSavedQueryCodeBytes {
		return sandbox.Outcome{}, apperr.New(op, apperr.KindValidation, fmt.Errorf("code exceeds %d byte limit", domain.MaxSavedQueryCodeBytes))
	}

	user, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return sandbox.Outcome{}, err
	}
	today, err := todaySnapshot(user, now)
	if err != nil {
		return sandbox.Outcome{}, apperr.New(op, apperr.KindInternal, err)
	}

	provider := NewDataProvider(e.store, req.UserID, today)
	outcome, runErr := sandbox.Run(ctx, code, provider, req.Params)

	status := "success"
	if runErr != nil {
		status = "error"
	}
	metrics.RecordSandboxExecution(status, time.Duration(outcome.ElapsedMs)*time.Millisecond)

	logEntry := domain.QueryExecutionLog{
		UserID:          req.UserID,
		CodeSnippet:     code,
		Success:         runErr == nil,
		ExecutionTimeMs: outcome.ElapsedMs,
	}
	if runErr != nil {
		logEntry.ErrorMessage = runErr.Error()
	}
	_ = e.store.RecordExecution(ctx, logEntry)

	if runErr != nil {
		return outcome, runErr
	}
	return outcome, nil
}

// EvaluateKRs runs each custom_query KeyResult's code serially (cap
// concurrency to 1 per spec.md §4.E so resource caps stay meaningful),
// requires progress.set to have been called, and lazily persists the
// KR's stored score when it moves by more than krScoreChangeThreshold.
func (e *Executor) EvaluateKRs(ctx context.Context, userID string, krIDs []string) map[string]KREvalResult {
	results := make(map[string]KREvalResult, len(krIDs))
	for _, krID := range krIDs {
		results[krID] = e.evaluateOneKR(ctx, userID, krID)
	}
	return results
}

// KREvalResult is one KR's outcome from EvaluateKRs.
type KREvalResult struct {
	Score float64
	Error string
}

func (e *Executor) evaluateOneKR(ctx context.Context, userID, krID string) KREvalResult {
	kr, err := e.store.GetKeyResult(ctx, userID, krID)
	if err != nil {
		return KREvalResult{Error: err.Error()}
	}
	if kr.MeasurementType != domain.MeasurementCustomQuery {
		return KREvalResult{Error: "key result is not a custom_query measurement"}
	}

	code := ""
	if kr.ProgressQueryCode != nil && *kr.ProgressQueryCode != "" {
		code = *kr.ProgressQueryCode
	} else if kr.ProgressQueryID != nil {
		saved, err := e.store.GetSavedQuery(ctx, userID, *kr.ProgressQueryID)
		if err != nil {
			return KREvalResult{Error: err.Error()}
		}
		code = saved.Code
	} else {
		return KREvalResult{Error: "key result has no progress query configured"}
	}

	outcome, err := e.Execute(ctx, Request{UserID: userID, Code: code, QueryType: domain.QueryKRProgress})
	if err != nil {
		return KREvalResult{Error: err.Error()}
	}
	if outcome.Progress == nil {
		missing := apperr.NewSub("query.EvaluateKRs", apperr.KindSandbox, apperr.SubMissingProgress, fmt.Errorf("progress.set was never called"))
		return KREvalResult{Error: missing.Error()}
	}

	score := outcome.Progress.Score
	if math.Abs(score-kr.Score) > krScoreChangeThreshold {
		if err := e.store.UpdateKeyResultScore(ctx, userID, krID, score); err != nil {
			return KREvalResult{Score: score, Error: err.Error()}
		}
	}
	return KREvalResult{Score: score}
}

func todaySnapshot(user domain.User, now time.Time) (sandbox.TodayInfo, error) {
	loc := time.UTC
	if user.Timezone != "" {
		if l, err := time.LoadLocation(user.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	year, month, day := local.Date()

	weekOf := local
	if user.WeekStartDay == domain.WeekStartSunday {
		weekOf = weekOf.AddDate(0, 0, 1)
	}
	_, week := weekOf.ISOWeek()

	return sandbox.TodayInfo{
		Year:  year,
		Month: int(month),
		Day:   day,
		Date:  local.Format("2006-01-02"),
		Week:  week,
	}, nil
}
