// Package domain holds the entity types shared by every component, as
// laid out in the data model: users, periods, tasks, objectives, key
// results, saved queries, widgets, metric templates and values, plugin
// connections, config entries, and the execution log.
package domain

import "time"

// WeekStartDay is one of the two supported week-numbering anchors.
type WeekStartDay string

const (
	WeekStartSunday WeekStartDay = "sunday"
	WeekStartMonday WeekStartDay = "monday"
)

// User is the identity and global preference record every other
// entity (besides Config and PendingAuth) is owned by.
type User struct {
	ID           string
	Username     string
	WeekStartDay WeekStartDay
	Timezone     string
	IsAdmin      bool
	Disabled     bool
	CreatedAt    time.Time
}

// PeriodType is the granularity of a TimePeriod.
type PeriodType string

const (
	PeriodYearly  PeriodType = "yearly"
	PeriodMonthly PeriodType = "monthly"
	PeriodWeekly  PeriodType = "weekly"
	PeriodDaily   PeriodType = "daily"
)

// TimePeriod scopes tasks to a year/month/week/day bucket. At most one
// row exists per (user, type, scope-tuple); created lazily.
type TimePeriod struct {
	ID    string
	UserID string
	Type  PeriodType
	Year  int
	Month *int // 1-12, for monthly/weekly/daily
	Week  *int // ISO-ish week number per the user's week-start-day
	Day   *int // 1-31, for daily
}

// Task belongs to exactly one TimePeriod.
type Task struct {
	ID              string
	UserID          string
	PeriodID        string
	Title           string
	Completed       bool
	CompletedAt     *time.Time
	SortOrder       int
	TimeSpentMs     int64
	TimerStartedAt  *time.Time
	Attributes      map[string]string
	TagIDs          []string
}

// ObjectiveLevel scopes an Objective to a year or a year+month.
type ObjectiveLevel string

const (
	ObjectiveYearly  ObjectiveLevel = "yearly"
	ObjectiveMonthly ObjectiveLevel = "monthly"
)

// Objective is a weighted parent of zero or more KeyResults.
type Objective struct {
	ID       string
	UserID   string
	Level    ObjectiveLevel
	Year     int
	Month    *int
	Title    string
	Weight   float64
	ParentID *string
}

// MeasurementType selects how a KeyResult's score is derived.
type MeasurementType string

const (
	MeasurementSlider      MeasurementType = "slider"
	MeasurementCheckboxes  MeasurementType = "checkboxes"
	MeasurementCustomQuery MeasurementType = "custom_query"
)

// CheckboxItem is one entry of a checkboxes-type KeyResult.
type CheckboxItem struct {
	ID        string
	Label     string
	Completed bool
}

// KeyResult is a measurable component of an Objective, scored in [0,1].
type KeyResult struct {
	ID                string
	ObjectiveID       string
	UserID            string
	Title             string
	Weight            float64
	Score             float64
	MeasurementType   MeasurementType
	CheckboxItems     []CheckboxItem
	ProgressQueryID   *string
	ProgressQueryCode *string
}

// QueryType classifies what a SavedQuery is used for.
type QueryType string

const (
	QueryGeneral     QueryType = "general"
	QueryKRProgress  QueryType = "kr_progress"
	QueryWidget      QueryType = "widget"
)

// MaxSavedQueryCodeBytes is the spec's 100 KB code size ceiling.
const MaxSavedQueryCodeBytes = 100 * 1024

// SavedQuery is a named, reusable piece of sandboxed user code.
type SavedQuery struct {
	ID        string
	UserID    string
	Name      string
	Code      string
	QueryType QueryType
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DashboardWidget renders sandboxed output on the user's dashboard.
type DashboardWidget struct {
	ID         string
	UserID     string
	Title      string
	WidgetType string
	Config     map[string]any // contains inline code or {"queryId": "..."}
	SortOrder  int
	Page       string
}

// MetricValueType is the kind of a MetricDefinition.
type MetricValueType string

const (
	MetricTypeInput    MetricValueType = "input"
	MetricTypeComputed MetricValueType = "computed"
	MetricTypeExternal MetricValueType = "external"
)

// MetricInputType further refines an input-type metric's value shape.
type MetricInputType string

const (
	MetricInputNumber  MetricInputType = "number"
	MetricInputTime    MetricInputType = "time"
	MetricInputText    MetricInputType = "text"
	MetricInputBoolean MetricInputType = "boolean"
)

// MetricDefinition is one entry of a MetricsTemplate.
type MetricDefinition struct {
	Name       string // stable key, unique within a template
	Label      string
	Unit       string
	Type       MetricValueType
	InputType  MetricInputType // set for Type == input
	Source     string          // "pluginId.fieldId", set for Type == external
	Expression string          // set for Type == computed
}

// MetricsTemplate is the ordered list of metric definitions governing
// what values are recorded for a day. Multiple templates may exist per
// user; the one with the greatest EffectiveFrom <= date wins.
type MetricsTemplate struct {
	ID               string
	UserID           string
	Name             string
	EffectiveFrom    string // YYYY-MM-DD
	MetricsDefinition []MetricDefinition
}

// DailyMetricValue is one (user, date, metricName) -> value row.
// Source is "user" for input/computed metrics, or a plugin id for
// externals.
type DailyMetricValue struct {
	UserID     string
	Date       string // YYYY-MM-DD
	MetricName string
	Value      any
	Source     string
}

// PluginCredentials is the OAuth token set held per (user, plugin).
type PluginCredentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix seconds
	TokenType    string
	Scope        string
}

// PluginConnection is a user's enablement/credential state for one
// registered plugin.
type PluginConnection struct {
	UserID      string
	PluginID    string
	Enabled     bool
	Credentials PluginCredentials
	LastSync    *time.Time
}

// ConfigEntry is one row of the two-tier config store (component B).
type ConfigEntry struct {
	Key      string
	Value    string
	IsSecret bool
}

// PendingAuth is a process-local (never persisted) record matching an
// OAuth state parameter to the user and PKCE verifier that started
// the flow.
type PendingAuth struct {
	UserID       string
	PluginID     string
	CodeVerifier string
	ExpiresAt    time.Time
}

// QueryExecutionLog records one sandbox invocation for audit purposes.
type QueryExecutionLog struct {
	ID              string
	UserID          string
	CodeSnippet     string // truncated to the first 2KB on write
	Success         bool
	ErrorMessage    string
	ExecutionTimeMs int64
	RateLimited     bool
	CreatedAt       time.Time
}

// Tag is a per-user label attachable to tasks.
type Tag struct {
	ID     string
	UserID string
	Name   string
}
