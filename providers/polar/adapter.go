// Package polar integrates the Polar AccessLink API. Polar access tokens do
// not expire, webhook deliveries are HMAC signed, and exercise durations
// arrive as ISO 8601 strings.
package polar

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
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
	AuthURL  = "https://flow.polar.com/oauth2/authorization"
	TokenURL = "https://polarremote.com/v2/oauth2/token"
	APIURL   = "https://www.polaraccesslink.com/v3"

	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "Polar-Webhook-Signature"
)

var sportTypes = map[string]core.ActivityType{
	"RUNNING":                 core.ActivityRun,
	"TRAIL_RUNNING":           core.ActivityRun,
	"TREADMILL_RUNNING":       core.ActivityRun,
	"TRACK_AND_FIELD_RUNNING": core.ActivityRun,
	"CYCLING":                 core.ActivityBike,
	"ROAD_BIKING":             core.ActivityBike,
	"MOUNTAIN_BIKING":         core.ActivityBike,
	"INDOOR_CYCLING":          core.ActivityBike,
	"SWIMMING":                core.ActivitySwim,
	"POOL_SWIMMING":           core.ActivitySwim,
	"OPEN_WATER_SWIMMING":     core.ActivitySwim,
	"STRENGTH_TRAINING":       core.ActivityStrength,
	"FUNCTIONAL_TRAINING":     core.ActivityStrength,
	"CIRCUIT_TRAINING":        core.ActivityStrength,
	"YOGA":                    core.ActivityYoga,
	"PILATES":                 core.ActivityYoga,
}

type Config struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	WebhookSecret string
	AuthURL       string
	TokenURL      string
	BaseURL       string
	HTTPClient    *transport.RetryClient
}

type Adapter struct {
	flow          *providers.OAuthFlow
	api           *providers.APIClient
	baseURL       string
	webhookSecret []byte
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("polar: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("polar: client secret is required")
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

	// Polar requires HTTP Basic client authentication at the token endpoint.
	conf := &oauth2.Config{
		ClientID:     strings.TrimSpace(cfg.ClientID),
		ClientSecret: strings.TrimSpace(cfg.ClientSecret),
		RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	return &Adapter{
		flow:          providers.NewOAuthFlow(core.ProviderPolar, conf),
		api:           providers.NewAPIClient(core.ProviderPolar, cfg.HTTPClient),
		baseURL:       baseURL,
		webhookSecret: []byte(strings.TrimSpace(cfg.WebhookSecret)),
	}, nil
}

func (a *Adapter) Provider() core.ProviderID {
	return core.ProviderPolar
}

func (a *Adapter) BuildAuthURL(state string) string {
	return a.flow.AuthCodeURL(state)
}

// ExchangeCode trades the code for an access token. Polar reports the user
// id as x_user_id in the token response and its tokens never expire, so the
// grant carries no expiry.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (core.TokenGrant, error) {
	token, err := a.flow.Exchange(ctx, code)
	if err != nil {
		return core.TokenGrant{}, err
	}
	grant := providers.GrantFromToken(token, extractUserID(token), []string{"accesslink.read_all"})
	grant.ExpiresAt = nil
	grant.RefreshToken = ""
	return grant, nil
}

func (a *Adapter) RefreshToken(context.Context, string) (core.TokenGrant, error) {
	return core.TokenGrant{}, core.NewProviderUnavailable(core.ProviderPolar, "polar tokens do not expire; refresh is not supported")
}

// RevokeAccess deregisters the user, which invalidates the token remotely.
func (a *Adapter) RevokeAccess(ctx context.Context, accessToken string) error {
	var user struct {
		PolarUserID int64 `json:"polar-user-id"`
	}
	if err := a.api.GetJSON(ctx, accessToken, a.baseURL+"/users/me", &user); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/users/%d", a.baseURL, user.PolarUserID)
	return a.api.Send(ctx, "DELETE", accessToken, endpoint, nil)
}

// VerifyWebhook recomputes the HMAC-SHA256 of the raw body and compares it
// with the signature header in constant time.
func (a *Adapter) VerifyWebhook(headers map[string]string, body []byte) bool {
	if len(a.webhookSecret) == 0 {
		return false
	}
	signature := strings.TrimSpace(headerValue(headers, SignatureHeader))
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, a.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) == 1
}

func (a *Adapter) ExtractOwnerID(event map[string]any) string {
	return providers.EventString(event, "user_id")
}

func (a *Adapter) ExtractActivityID(event map[string]any) string {
	return providers.EventString(event, "entity_id")
}

type exercisePayload struct {
	ID           string   `json:"id"`
	StartTime    string   `json:"start_time"`
	Sport        string   `json:"sport"`
	Duration     string   `json:"duration"`
	Distance     *float64 `json:"distance"`
	Calories     *float64 `json:"calories"`
	TrainingLoad *float64 `json:"training_load"`
	HeartRate    *struct {
		Average *float64 `json:"average"`
		Maximum *float64 `json:"maximum"`
	} `json:"heart_rate"`
}

func (a *Adapter) FetchActivity(ctx context.Context, accessToken string, activityID string) (core.NormalizedActivity, error) {
	var payload exercisePayload
	endpoint := fmt.Sprintf("%s/exercises/%s", a.baseURL, url.PathEscape(strings.TrimSpace(activityID)))
	if err := a.api.GetJSON(ctx, accessToken, endpoint, &payload); err != nil {
		return core.NormalizedActivity{}, err
	}
	return a.normalize(payload)
}

// FetchActivities lists recent exercises; AccessLink has no server-side time
// filter, so the window and limit are applied locally.
func (a *Adapter) FetchActivities(ctx context.Context, accessToken string, since time.Time, limit int) ([]core.NormalizedActivity, error) {
	if limit <= 0 {
		limit = 30
	}

	var payloads []exercisePayload
	if err := a.api.GetJSON(ctx, accessToken, a.baseURL+"/exercises", &payloads); err != nil {
		return nil, err
	}

	activities := make([]core.NormalizedActivity, 0, len(payloads))
	for _, payload := range payloads {
		activity, err := a.normalize(payload)
		if err != nil {
			continue
		}
		if activity.StartedAt.Before(since) {
			continue
		}
		activities = append(activities, activity)
		if len(activities) >= limit {
			break
		}
	}
	return activities, nil
}

// FetchHealthData pulls the night's sleep and recovery samples for one
// calendar date. Either endpoint may 404 when the user wore no device; that
// is absence of data, not a failure.
func (a *Adapter) FetchHealthData(ctx context.Context, accessToken string, date time.Time) ([]core.NormalizedHealthMetric, error) {
	day := date.UTC().Format("2006-01-02")
	recordedAt := date.UTC().Truncate(24 * time.Hour)
	metrics := []core.NormalizedHealthMetric{}

	var sleep struct {
		SleepDurationSeconds *float64 `json:"sleep_duration"`
	}
	err := a.api.GetJSON(ctx, accessToken, a.baseURL+"/users/sleep/"+day, &sleep)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if err == nil && sleep.SleepDurationSeconds != nil {
		metrics = append(metrics, core.NormalizedHealthMetric{
			Type:       core.MetricSleepHours,
			Value:      *sleep.SleepDurationSeconds / 3600,
			Unit:       "h",
			RecordedAt: recordedAt,
			Source:     core.ProviderPolar,
		})
	}

	var recharge struct {
		HeartRateAvg            *float64 `json:"heart_rate_avg"`
		HeartRateVariabilityAvg *float64 `json:"heart_rate_variability_avg"`
	}
	err = a.api.GetJSON(ctx, accessToken, a.baseURL+"/users/nightly-recharge/"+day, &recharge)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if err == nil {
		if recharge.HeartRateAvg != nil {
			metrics = append(metrics, core.NormalizedHealthMetric{
				Type:       core.MetricRestingHR,
				Value:      *recharge.HeartRateAvg,
				Unit:       "bpm",
				RecordedAt: recordedAt,
				Source:     core.ProviderPolar,
			})
		}
		if recharge.HeartRateVariabilityAvg != nil {
			metrics = append(metrics, core.NormalizedHealthMetric{
				Type:       core.MetricHRV,
				Value:      *recharge.HeartRateVariabilityAvg,
				Unit:       "ms",
				RecordedAt: recordedAt,
				Source:     core.ProviderPolar,
			})
		}
	}

	return metrics, nil
}

func (a *Adapter) normalize(payload exercisePayload) (core.NormalizedActivity, error) {
	startedAt, err := parseStartTime(payload.StartTime)
	if err != nil {
		return core.NormalizedActivity{}, core.NewProviderAPIError(
			core.ProviderPolar, 0, "unparseable start_time: "+payload.StartTime)
	}
	duration, err := ParseISODuration(payload.Duration)
	if err != nil {
		return core.NormalizedActivity{}, core.NewProviderAPIError(
			core.ProviderPolar, 0, "unparseable duration: "+payload.Duration)
	}

	activity := core.NormalizedActivity{
		Type:      mapSport(payload.Sport),
		Source:    core.ProviderPolar,
		StartedAt: startedAt.UTC(),
		DurationS: duration,
		DistanceM: payload.Distance,
		TSS:       payload.TrainingLoad,
		RawData: map[string]any{
			"polar_id": payload.ID,
			"sport":    payload.Sport,
		},
	}
	if payload.Calories != nil {
		activity.Calories = providers.RoundedIntPtr(*payload.Calories)
	}
	if payload.HeartRate != nil {
		if payload.HeartRate.Average != nil {
			activity.AvgHR = providers.RoundedIntPtr(*payload.HeartRate.Average)
		}
		if payload.HeartRate.Maximum != nil {
			activity.MaxHR = providers.RoundedIntPtr(*payload.HeartRate.Maximum)
		}
	}
	activity.DerivePace()
	return activity, nil
}

// ParseISODuration decodes the PT#H#M#S shape AccessLink uses, with an
// optional fractional seconds part. The result is whole seconds.
func ParseISODuration(value string) (int, error) {
	raw := strings.ToUpper(strings.TrimSpace(value))
	if !strings.HasPrefix(raw, "PT") {
		return 0, fmt.Errorf("polar: duration %q is not a PT form", value)
	}
	raw = raw[2:]
	if raw == "" {
		return 0, fmt.Errorf("polar: duration %q has no components", value)
	}

	total := 0.0
	number := strings.Builder{}
	for _, r := range raw {
		switch {
		case (r >= '0' && r <= '9') || r == '.':
			number.WriteRune(r)
		case r == 'H' || r == 'M' || r == 'S':
			if number.Len() == 0 {
				return 0, fmt.Errorf("polar: duration %q has a dangling unit", value)
			}
			var amount float64
			if _, err := fmt.Sscanf(number.String(), "%f", &amount); err != nil {
				return 0, fmt.Errorf("polar: duration %q: %w", value, err)
			}
			switch r {
			case 'H':
				total += amount * 3600
			case 'M':
				total += amount * 60
			case 'S':
				total += amount
			}
			number.Reset()
		default:
			return 0, fmt.Errorf("polar: duration %q has unexpected character %q", value, r)
		}
	}
	if number.Len() != 0 {
		return 0, fmt.Errorf("polar: duration %q has a trailing number", value)
	}
	return int(total + 0.5), nil
}

func parseStartTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	// AccessLink reports local start times without a zone.
	return time.Parse("2006-01-02T15:04:05", value)
}

func extractUserID(token *oauth2.Token) string {
	if token == nil {
		return ""
	}
	return providers.EventString(map[string]any{"x_user_id": token.Extra("x_user_id")}, "x_user_id")
}

func mapSport(sport string) core.ActivityType {
	if mapped, ok := sportTypes[strings.ToUpper(strings.TrimSpace(sport))]; ok {
		return mapped
	}
	return core.ActivityOther
}

func headerValue(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

func isNotFound(err error) bool {
	return core.ProviderStatusCode(err) == 404
}

var (
	_ core.Adapter       = (*Adapter)(nil)
	_ core.HealthFetcher = (*Adapter)(nil)
)
