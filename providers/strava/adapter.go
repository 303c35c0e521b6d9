// Package strava integrates the Strava v3 API: OAuth2 with refresh tokens,
// structurally verified webhook events, and activity fetch.
package strava

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/podiumlab/tri-integrations/core"
	"github.com/podiumlab/tri-integrations/providers"
	"github.com/podiumlab/tri-integrations/transport"
)

const (
	AuthURL  = "https://www.strava.com/oauth/authorize"
	TokenURL = "https://www.strava.com/oauth/token"
	APIURL   = "https://www.strava.com/api/v3"

	DeauthorizeURL = "https://www.strava.com/oauth/deauthorize"
)

// Strava scopes are comma separated inside a single scope value.
var defaultScopes = []string{"read,activity:read_all"}

// Webhook events must carry all of these fields to be considered authentic;
// Strava signs nothing, the subscription handshake is the only gate.
var requiredEventFields = []string{"object_type", "aspect_type", "owner_id", "object_id"}

var sportTypes = map[string]core.ActivityType{
	"Run":                           core.ActivityRun,
	"TrailRun":                      core.ActivityRun,
	"VirtualRun":                    core.ActivityRun,
	"Ride":                          core.ActivityBike,
	"VirtualRide":                   core.ActivityBike,
	"GravelRide":                    core.ActivityBike,
	"MountainBikeRide":              core.ActivityBike,
	"EBikeRide":                     core.ActivityBike,
	"Swim":                          core.ActivitySwim,
	"OpenWaterSwim":                 core.ActivitySwim,
	"WeightTraining":                core.ActivityStrength,
	"Crossfit":                      core.ActivityStrength,
	"Workout":                       core.ActivityStrength,
	"HighIntensityIntervalTraining": core.ActivityStrength,
	"Yoga":                          core.ActivityYoga,
	"Pilates":                       core.ActivityYoga,
}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	BaseURL      string
	HTTPClient   *transport.RetryClient
}

type Adapter struct {
	flow    *providers.OAuthFlow
	api     *providers.APIClient
	baseURL string
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("strava: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("strava: client secret is required")
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = AuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = APIURL
	}

	conf := &oauth2.Config{
		ClientID:     strings.TrimSpace(cfg.ClientID),
		ClientSecret: strings.TrimSpace(cfg.ClientSecret),
		RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
		Scopes:       defaultScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return &Adapter{
		flow:    providers.NewOAuthFlow(core.ProviderStrava, conf),
		api:     providers.NewAPIClient(core.ProviderStrava, cfg.HTTPClient),
		baseURL: baseURL,
	}, nil
}

func (a *Adapter) Provider() core.ProviderID {
	return core.ProviderStrava
}

func (a *Adapter) BuildAuthURL(state string) string {
	return a.flow.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// ExchangeCode trades the authorization code for tokens. Strava embeds the
// athlete object in the token response, which is the only place the provider
// user id appears.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (core.TokenGrant, error) {
	token, err := a.flow.Exchange(ctx, code)
	if err != nil {
		return core.TokenGrant{}, err
	}
	return providers.GrantFromToken(token, extractAthleteID(token), grantedScopes(token)), nil
}

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	token, err := a.flow.Refresh(ctx, refreshToken)
	if err != nil {
		return core.TokenGrant{}, err
	}
	// The refresh response carries no athlete object; the stored provider
	// uid is unchanged so it is left empty here.
	return providers.GrantFromToken(token, "", grantedScopes(token)), nil
}

func (a *Adapter) RevokeAccess(ctx context.Context, accessToken string) error {
	revoke := DeauthorizeURL + "?" + url.Values{"access_token": {accessToken}}.Encode()
	return a.api.Send(ctx, "POST", accessToken, revoke, nil)
}

// VerifyWebhook checks the event structurally: every field a real Strava
// push carries must be present.
func (a *Adapter) VerifyWebhook(_ map[string]string, body []byte) bool {
	event, err := providers.DecodeEvent(body)
	if err != nil {
		return false
	}
	for _, field := range requiredEventFields {
		if providers.EventString(event, field) == "" {
			return false
		}
	}
	return true
}

func (a *Adapter) ExtractOwnerID(event map[string]any) string {
	return providers.EventString(event, "owner_id")
}

func (a *Adapter) ExtractActivityID(event map[string]any) string {
	return providers.EventString(event, "object_id")
}

// IsActivityCreate reports whether the event is a new-activity push; the
// webhook endpoint ignores updates, deletes, and athlete events.
func IsActivityCreate(event map[string]any) bool {
	return providers.EventString(event, "object_type") == "activity" &&
		providers.EventString(event, "aspect_type") == "create"
}

// ShouldProcess narrows verified deliveries to new-activity events.
func (a *Adapter) ShouldProcess(event map[string]any) bool {
	return IsActivityCreate(event)
}

type activityPayload struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	SportType        string   `json:"sport_type"`
	Type             string   `json:"type"`
	StartDate        string   `json:"start_date"`
	MovingTime       int      `json:"moving_time"`
	ElapsedTime      int      `json:"elapsed_time"`
	Distance         *float64 `json:"distance"`
	AverageHeartrate *float64 `json:"average_heartrate"`
	MaxHeartrate     *float64 `json:"max_heartrate"`
	AverageWatts     *float64 `json:"average_watts"`
	Calories         *float64 `json:"calories"`
}

func (a *Adapter) FetchActivity(ctx context.Context, accessToken string, activityID string) (core.NormalizedActivity, error) {
	var payload activityPayload
	endpoint := fmt.Sprintf("%s/activities/%s", a.baseURL, url.PathEscape(strings.TrimSpace(activityID)))
	if err := a.api.GetJSON(ctx, accessToken, endpoint, &payload); err != nil {
		return core.NormalizedActivity{}, err
	}
	return a.normalize(payload)
}

func (a *Adapter) FetchActivities(ctx context.Context, accessToken string, since time.Time, limit int) ([]core.NormalizedActivity, error) {
	if limit <= 0 {
		limit = 30
	}
	values := url.Values{
		"after":    {fmt.Sprintf("%d", since.Unix())},
		"per_page": {fmt.Sprintf("%d", limit)},
	}
	endpoint := a.baseURL + "/athlete/activities?" + values.Encode()

	var payloads []activityPayload
	if err := a.api.GetJSON(ctx, accessToken, endpoint, &payloads); err != nil {
		return nil, err
	}

	activities := make([]core.NormalizedActivity, 0, len(payloads))
	for _, payload := range payloads {
		activity, err := a.normalize(payload)
		if err != nil {
			continue
		}
		activities = append(activities, activity)
	}
	return activities, nil
}

func (a *Adapter) normalize(payload activityPayload) (core.NormalizedActivity, error) {
	startedAt, err := time.Parse(time.RFC3339, payload.StartDate)
	if err != nil {
		return core.NormalizedActivity{}, core.NewProviderAPIError(
			core.ProviderStrava, 0, "unparseable start_date: "+payload.StartDate)
	}

	duration := payload.MovingTime
	if duration == 0 {
		duration = payload.ElapsedTime
	}

	activity := core.NormalizedActivity{
		Type:      mapSport(payload.SportType, payload.Type),
		Source:    core.ProviderStrava,
		StartedAt: startedAt.UTC(),
		DurationS: duration,
		DistanceM: payload.Distance,
		Notes:     strings.TrimSpace(payload.Name),
		RawData: map[string]any{
			"strava_id":  payload.ID,
			"sport_type": payload.SportType,
		},
	}
	if payload.AverageHeartrate != nil {
		activity.AvgHR = providers.RoundedIntPtr(*payload.AverageHeartrate)
	}
	if payload.MaxHeartrate != nil {
		activity.MaxHR = providers.RoundedIntPtr(*payload.MaxHeartrate)
	}
	if payload.AverageWatts != nil {
		activity.AvgPowerW = providers.RoundedIntPtr(*payload.AverageWatts)
	}
	if payload.Calories != nil {
		activity.Calories = providers.RoundedIntPtr(*payload.Calories)
	}
	activity.DerivePace()
	return activity, nil
}

// grantedScopes reads the comma separated scope field from the token
// response. The athlete can uncheck boxes on the consent screen, so the
// granted set may be narrower than what was requested; only when the
// response carries no scope field do the requested scopes stand in.
func grantedScopes(token *oauth2.Token) []string {
	if token == nil {
		return append([]string(nil), defaultScopes...)
	}
	raw, _ := token.Extra("scope").(string)
	scopes := make([]string, 0, 2)
	for _, scope := range strings.Split(raw, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	if len(scopes) == 0 {
		return append([]string(nil), defaultScopes...)
	}
	return scopes
}

// extractAthleteID pulls the athlete id from the token response extras,
// where Strava reports it alongside the tokens.
func extractAthleteID(token *oauth2.Token) string {
	athlete, ok := token.Extra("athlete").(map[string]any)
	if !ok {
		return ""
	}
	return providers.EventString(athlete, "id")
}

// mapSport prefers the newer sport_type field; older summaries only carry
// type. Unmapped sports fall back to OTHER.
func mapSport(sportType string, legacyType string) core.ActivityType {
	if mapped, ok := sportTypes[strings.TrimSpace(sportType)]; ok {
		return mapped
	}
	if mapped, ok := sportTypes[strings.TrimSpace(legacyType)]; ok {
		return mapped
	}
	return core.ActivityOther
}

var (
	_ core.Adapter     = (*Adapter)(nil)
	_ core.EventFilter = (*Adapter)(nil)
)
