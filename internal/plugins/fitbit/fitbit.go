// Package fitbit implements the Fitbit plugin: steps, sleep minutes and
// resting heart rate synced through Fitbit's OAuth2 Web API.
package fitbit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zli117/Orbit-sub000/internal/plugins"
)

const (
	authURL  = "https://www.fitbit.com/oauth2/authorize"
	tokenURL = "https://api.fitbit.com/oauth2/token"
	apiBase  = "https://api.fitbit.com/1/user/-"
)

// Plugin implements plugins.Plugin for Fitbit.
type Plugin struct {
	httpClient *http.Client
}

// New constructs the Fitbit plugin with the given HTTP client.
func New(httpClient *http.Client) *Plugin {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Plugin{httpClient: httpClient}
}

func (p *Plugin) ID() string          { return "fitbit" }
func (p *Plugin) Name() string        { return "Fitbit" }
func (p *Plugin) Description() string { return "Steps, sleep and resting heart rate from Fitbit." }
func (p *Plugin) Icon() string        { return "fitbit" }

func (p *Plugin) AdminConfigFields() []plugins.AdminConfigField {
	return []plugins.AdminConfigField{
		{Key: "fitbit.client_id", Label: "Client ID", Type: plugins.ConfigFieldText, Required: true},
		{Key: "fitbit.client_secret", Label: "Client Secret", Type: plugins.ConfigFieldPassword, Required: true},
	}
}

func (p *Plugin) SetupInfo(config plugins.ConfigSnapshot) []plugins.SetupStep {
	return []plugins.SetupStep{
		{Label: "OAuth redirect URI", Value: config["global.base_url"] + "/plugins/fitbit/callback", Copyable: true},
	}
}

func (p *Plugin) IsConfigured(config plugins.ConfigSnapshot) bool {
	return config["fitbit.client_id"] != "" && config["fitbit.client_secret"] != ""
}

func (p *Plugin) OAuthConfig(config plugins.ConfigSnapshot) plugins.OAuthConfig {
	return plugins.OAuthConfig{
		ClientID:     config["fitbit.client_id"],
		ClientSecret: config["fitbit.client_secret"],
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		Scopes:       []string{"activity", "sleep", "heartrate"},
		RedirectURI:  config["global.base_url"] + "/plugins/fitbit/callback",
		UsePKCE:      true,
	}
}

func (p *Plugin) AvailableFields() []plugins.AvailableField {
	return []plugins.AvailableField{
		{ID: "steps", Name: "Steps", Type: plugins.FieldNumber, Unit: "steps"},
		{ID: "sleepMinutes", Name: "Sleep", Type: plugins.FieldNumber, Unit: "minutes"},
		{ID: "restingHeartRate", Name: "Resting heart rate", Type: plugins.FieldNumber, Unit: "bpm"},
	}
}

func (p *Plugin) ValidateCredentials(ctx context.Context, creds plugins.Credentials) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/profile.json", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (p *Plugin) RefreshTokens(ctx context.Context, config plugins.ConfigSnapshot, creds plugins.Credentials) (plugins.Credentials, error) {
	form := fmt.Sprintf("grant_type=refresh_token&refresh_token=%s", creds.RefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form))
	if err != nil {
		return plugins.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(config["fitbit.client_id"], config["fitbit.client_secret"])

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return plugins.Credentials{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return plugins.Credentials{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return plugins.Credentials{}, fmt.Errorf("fitbit token refresh failed: status %d", resp.StatusCode)
	}

	return plugins.Credentials{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		ExpiresAt:    time.Now().UTC().Unix() + gjson.GetBytes(body, "expires_in").Int(),
		TokenType:    gjson.GetBytes(body, "token_type").String(),
		Scope:        gjson.GetBytes(body, "scope").String(),
	}, nil
}

func (p *Plugin) FetchData(ctx context.Context, config plugins.ConfigSnapshot, creds plugins.Credentials, startDate, endDate string, fields []string) ([]plugins.DayRecord, error) {
	want := map[string]bool{}
	for _, f := range fields {
		want[f] = true
	}

	byDate := map[string]map[string]any{}
	fetchers := []struct {
		field   string
		path    string
		jsonKey string
	}{
		{"steps", "/activities/steps/date/%s/%s.json", "activities-steps"},
		{"sleepMinutes", "/sleep/date/%s/%s.json", "sleep"},
		{"restingHeartRate", "/activities/heart/date/%s/%s.json", "activities-heart"},
	}

	for _, fetcher := range fetchers {
		if !want[fetcher.field] {
			continue
		}
		url := apiBase + fmt.Sprintf(fetcher.path, startDate, endDate)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("fitbit: unauthorized")
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fitbit: status %d fetching %s", resp.StatusCode, fetcher.field)
		}

		gjson.GetBytes(body, fetcher.jsonKey).ForEach(func(_, entry gjson.Result) bool {
			date := entry.Get("dateTime").String()
			value := entry.Get("value.totalMinutesAsleep")
			if !value.Exists() {
				value = entry.Get("value")
			}
			if byDate[date] == nil {
				byDate[date] = map[string]any{}
			}
			byDate[date][fetcher.field] = value.Float()
			return true
		})
	}

	records := make([]plugins.DayRecord, 0, len(byDate))
	for date, fieldValues := range byDate {
		records = append(records, plugins.DayRecord{Date: date, Fields: fieldValues})
	}
	return records, nil
}
