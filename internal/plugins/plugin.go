// Package plugins implements component G: compile-time-registered data
// source integrations that OAuth-authenticate and report a day's worth
// of flexible metric fields to the sync scheduler.
package plugins

import "context"

// ConfigFieldType selects how an admin config field is rendered/stored.
type ConfigFieldType string

const (
	ConfigFieldText     ConfigFieldType = "text"
	ConfigFieldPassword ConfigFieldType = "password"
	ConfigFieldURL      ConfigFieldType = "url"
)

// AdminConfigField is one entry a plugin wants in the global config UI.
type AdminConfigField struct {
	Key         string
	Label       string
	Type        ConfigFieldType
	Required    bool
	Description string
	Placeholder string
}

// SetupStep is one line of plugin-specific setup instructions, such as
// the OAuth callback URL derived from global.base_url.
type SetupStep struct {
	Label    string
	Value    string
	Copyable bool
}

// FieldType is the shape of one metric field a plugin can report.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldTime    FieldType = "time"
	FieldText    FieldType = "text"
	FieldBoolean FieldType = "boolean"
)

// AvailableField describes one metric this plugin can feed.
type AvailableField struct {
	ID          string
	Name        string
	Description string
	Type        FieldType
	Unit        string
}

// OAuthConfig is the provider-side OAuth2 shape a plugin declares.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectURI  string
	UsePKCE      bool
}

// Credentials is the token set a plugin was issued for one user.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix seconds
	TokenType    string
	Scope        string
}

// DayRecord is one date's worth of fetched field values.
type DayRecord struct {
	Date   string // YYYY-MM-DD
	Fields map[string]any
}

// ConfigSnapshot is the subset of resolved config a plugin needs to
// render its setup steps (e.g. global.base_url).
type ConfigSnapshot map[string]string

// Plugin is implemented by every registered data source integration.
// Field ids FetchData returns must be declared by AvailableFields;
// callers drop anything else. Dates must be YYYY-MM-DD.
type Plugin interface {
	ID() string
	Name() string
	Description() string
	Icon() string

	AdminConfigFields() []AdminConfigField
	SetupInfo(config ConfigSnapshot) []SetupStep
	IsConfigured(config ConfigSnapshot) bool
	OAuthConfig(config ConfigSnapshot) OAuthConfig
	AvailableFields() []AvailableField
	ValidateCredentials(ctx context.Context, creds Credentials) (bool, error)
	RefreshTokens(ctx context.Context, config ConfigSnapshot, creds Credentials) (Credentials, error)
	FetchData(ctx context.Context, config ConfigSnapshot, creds Credentials, startDate, endDate string, fields []string) ([]DayRecord, error)
}

// Registry is the compile-time set of known plugins, keyed by ID.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry builds a Registry from a fixed plugin list.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: map[string]Plugin{}}
	for _, p := range plugins {
		r.plugins[p.ID()] = p
	}
	return r
}

// Get returns the plugin with the given id, if registered.
func (r *Registry) Get(id string) (Plugin, bool) {
	p, ok := r.plugins[id]
	return p, ok
}

// List returns every registered plugin, unordered.
func (r *Registry) List() []Plugin {
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// FilterKnownFields drops any field id FetchData returned that the
// plugin did not declare in AvailableFields, per spec.md §4.G's rule.
func FilterKnownFields(p Plugin, records []DayRecord) []DayRecord {
	known := map[string]bool{}
	for _, f := range p.AvailableFields() {
		known[f.ID] = true
	}
	out := make([]DayRecord, 0, len(records))
	for _, rec := range records {
		filtered := map[string]any{}
		for k, v := range rec.Fields {
			if known[k] {
				filtered[k] = v
			}
		}
		out = append(out, DayRecord{Date: rec.Date, Fields: filtered})
	}
	return out
}
