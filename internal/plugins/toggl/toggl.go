// Package toggl implements the Toggl Track plugin: tracked minutes per
// day pulled from the time entries report API.
package toggl

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/zli117/Orbit-sub000/internal/plugins"
)

const (
	authURL  = "https://toggl.com/oauth2/authorize"
	tokenURL = "https://toggl.com/oauth2/token"
	apiBase  = "https://api.track.toggl.com/api/v9"
)

// Plugin implements plugins.Plugin for Toggl Track.
type Plugin struct {
	httpClient *http.Client
}

// New constructs the Toggl plugin with the given HTTP client.
func New(httpClient *http.Client) *Plugin {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Plugin{httpClient: httpClient}
}

func (p *Plugin) ID() string          { return "toggl" }
func (p *Plugin) Name() string        { return "Toggl Track" }
func (p *Plugin) Description() string { return "Tracked minutes per day from Toggl Track." }
func (p *Plugin) Icon() string        { return "toggl" }

func (p *Plugin) AdminConfigFields() []plugins.AdminConfigField {
	return []plugins.AdminConfigField{
		{Key: "toggl.client_id", Label: "Client ID", Type: plugins.ConfigFieldText, Required: true},
		{Key: "toggl.client_secret", Label: "Client Secret", Type: plugins.ConfigFieldPassword, Required: true},
	}
}

func (p *Plugin) SetupInfo(config plugins.ConfigSnapshot) []plugins.SetupStep {
	return []plugins.SetupStep{
		{Label: "OAuth redirect URI", Value: config["global.base_url"] + "/plugins/toggl/callback", Copyable: true},
	}
}

func (p *Plugin) IsConfigured(config plugins.ConfigSnapshot) bool {
	return config["toggl.client_id"] != "" && config["toggl.client_secret"] != ""
}

func (p *Plugin) OAuthConfig(config plugins.ConfigSnapshot) plugins.OAuthConfig {
	return plugins.OAuthConfig{
		ClientID:     config["toggl.client_id"],
		ClientSecret: config["toggl.client_secret"],
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		Scopes:       []string{"time_entries:read"},
		RedirectURI:  config["global.base_url"] + "/plugins/toggl/callback",
		UsePKCE:      true,
	}
}

func (p *Plugin) AvailableFields() []plugins.AvailableField {
	return []plugins.AvailableField{
		{ID: "trackedMinutes", Name: "Tracked minutes", Type: plugins.FieldNumber, Unit: "minutes"},
	}
}

func (p *Plugin) ValidateCredentials(ctx context.Context, creds plugins.Credentials) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/me", nil)
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
	url := fmt.Sprintf("%s?grant_type=refresh_token&refresh_token=%s&client_id=%s&client_secret=%s",
		tokenURL, creds.RefreshToken, config["toggl.client_id"], config["toggl.client_secret"])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return plugins.Credentials{}, err
	}
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
		return plugins.Credentials{}, fmt.Errorf("toggl token refresh failed: status %d", resp.StatusCode)
	}
	return plugins.Credentials{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		ExpiresAt:    gjson.GetBytes(body, "expires_at").Int(),
		TokenType:    "Bearer",
	}, nil
}

func (p *Plugin) FetchData(ctx context.Context, config plugins.ConfigSnapshot, creds plugins.Credentials, startDate, endDate string, fields []string) ([]plugins.DayRecord, error) {
	wantMinutes := false
	for _, f := range fields {
		if f == "trackedMinutes" {
			wantMinutes = true
		}
	}
	if !wantMinutes {
		return nil, nil
	}

	url := fmt.Sprintf("%s/me/time_entries?start_date=%s&end_date=%s", apiBase, startDate, endDate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("toggl: unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("toggl: status %d", resp.StatusCode)
	}

	secondsByDate := map[string]float64{}
	gjson.ParseBytes(body).ForEach(func(_, entry gjson.Result) bool {
		date := entry.Get("start").String()
		if len(date) >= 10 {
			date = date[:10]
		}
		secondsByDate[date] += entry.Get("duration").Float()
		return true
	})

	records := make([]plugins.DayRecord, 0, len(secondsByDate))
	for date, seconds := range secondsByDate {
		records = append(records, plugins.DayRecord{Date: date, Fields: map[string]any{"trackedMinutes": seconds / 60}})
	}
	return records, nil
}
