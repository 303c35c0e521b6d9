package strava

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/podiumlab/tri-integrations/core"
)

func newTestAdapter(t *testing.T, server *httptest.Server) *Adapter {
	t.Helper()
	cfg := Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/integrations/strava/callback",
	}
	if server != nil {
		cfg.BaseURL = server.URL
		cfg.TokenURL = server.URL + "/oauth/token"
	}
	adapter, err := New(cfg)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestBuildAuthURL(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	raw := adapter.BuildAuthURL("signed-state")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}

	if !strings.HasPrefix(raw, AuthURL) {
		t.Fatalf("expected strava authorize endpoint, got %s", raw)
	}
	query := parsed.Query()
	if query.Get("state") != "signed-state" {
		t.Fatalf("expected state param, got %q", query.Get("state"))
	}
	if query.Get("client_id") != "client-id" {
		t.Fatalf("expected client_id param, got %q", query.Get("client_id"))
	}
	if !strings.Contains(query.Get("scope"), "activity:read_all") {
		t.Fatalf("expected activity scope, got %q", query.Get("scope"))
	}
}

func TestExchangeCodeExtractsAthleteID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"expires_in":    21600,
			"athlete":       map[string]any{"id": 4817711, "username": "tri_tester"},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	grant, err := adapter.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if grant.AccessToken != "fresh-access" {
		t.Fatalf("expected access token, got %q", grant.AccessToken)
	}
	if grant.RefreshToken != "fresh-refresh" {
		t.Fatalf("expected refresh token, got %q", grant.RefreshToken)
	}
	if grant.ProviderUserID != "4817711" {
		t.Fatalf("expected athlete id 4817711, got %q", grant.ProviderUserID)
	}
	if grant.ExpiresAt == nil || time.Until(*grant.ExpiresAt) < 5*time.Hour {
		t.Fatalf("expected ~6h expiry, got %v", grant.ExpiresAt)
	}
}

func TestExchangeCodeReportsGrantedScopes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"expires_in":    21600,
			"scope":         "read",
			"athlete":       map[string]any{"id": 4817711},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	grant, err := adapter.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// The athlete withheld activity:read_all; the grant must reflect the
	// narrower scope set, not the requested one.
	if len(grant.Scopes) != 1 || grant.Scopes[0] != "read" {
		t.Fatalf("expected granted scopes [read], got %v", grant.Scopes)
	}
}

func TestExchangeCodeDefaultsScopesWhenUnreported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access",
			"expires_in":   21600,
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	grant, err := adapter.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if len(grant.Scopes) != 1 || grant.Scopes[0] != "read,activity:read_all" {
		t.Fatalf("expected requested scopes fallback, got %v", grant.Scopes)
	}
}

func TestVerifyWebhookStructural(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	valid := []byte(`{"object_type":"activity","aspect_type":"create","owner_id":4817711,"object_id":99887766}`)
	if !adapter.VerifyWebhook(nil, valid) {
		t.Fatal("expected structurally complete event to verify")
	}

	missing := [][]byte{
		[]byte(`{"aspect_type":"create","owner_id":1,"object_id":2}`),
		[]byte(`{"object_type":"activity","owner_id":1,"object_id":2}`),
		[]byte(`{"object_type":"activity","aspect_type":"create","object_id":2}`),
		[]byte(`{"object_type":"activity","aspect_type":"create","owner_id":1}`),
		[]byte(`not json`),
		nil,
	}
	for i, body := range missing {
		if adapter.VerifyWebhook(nil, body) {
			t.Fatalf("case %d: expected incomplete event to fail verification", i)
		}
	}
}

func TestExtractIDsRenderNumericValues(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	event := map[string]any{
		"object_type": "activity",
		"aspect_type": "create",
		"owner_id":    float64(4817711),
		"object_id":   float64(99887766),
	}

	if got := adapter.ExtractOwnerID(event); got != "4817711" {
		t.Fatalf("owner id: got %q", got)
	}
	if got := adapter.ExtractActivityID(event); got != "99887766" {
		t.Fatalf("activity id: got %q", got)
	}
}

func TestIsActivityCreate(t *testing.T) {
	create := map[string]any{"object_type": "activity", "aspect_type": "create"}
	if !IsActivityCreate(create) {
		t.Fatal("expected activity create to pass the filter")
	}

	ignored := []map[string]any{
		{"object_type": "activity", "aspect_type": "update"},
		{"object_type": "activity", "aspect_type": "delete"},
		{"object_type": "athlete", "aspect_type": "create"},
		{},
	}
	for i, event := range ignored {
		if IsActivityCreate(event) {
			t.Fatalf("case %d: expected event to be filtered out", i)
		}
	}
}

func TestFetchActivityNormalizes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activities/99887766" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer plain-access" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":                99887766,
			"name":              "Morning Intervals",
			"sport_type":        "Run",
			"start_date":        "2026-03-14T06:30:00Z",
			"moving_time":       3600,
			"elapsed_time":      3720,
			"distance":          12000.0,
			"average_heartrate": 152.4,
			"max_heartrate":     181.0,
			"calories":          710.2,
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	activity, err := adapter.FetchActivity(context.Background(), "plain-access", "99887766")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if activity.Type != core.ActivityRun {
		t.Fatalf("expected RUN, got %s", activity.Type)
	}
	if activity.Source != core.ProviderStrava {
		t.Fatalf("expected strava source, got %s", activity.Source)
	}
	if activity.DurationS != 3600 {
		t.Fatalf("expected moving time 3600, got %d", activity.DurationS)
	}
	if activity.DistanceM == nil || *activity.DistanceM != 12000 {
		t.Fatalf("expected distance 12000, got %v", activity.DistanceM)
	}
	if activity.AvgHR == nil || *activity.AvgHR != 152 {
		t.Fatalf("expected avg hr 152, got %v", activity.AvgHR)
	}
	if activity.MaxHR == nil || *activity.MaxHR != 181 {
		t.Fatalf("expected max hr 181, got %v", activity.MaxHR)
	}
	// 3600s over 12km
	if activity.AvgPaceSKm == nil || *activity.AvgPaceSKm != 300 {
		t.Fatalf("expected derived pace 300 s/km, got %v", activity.AvgPaceSKm)
	}
	if activity.Notes != "Morning Intervals" {
		t.Fatalf("expected notes from name, got %q", activity.Notes)
	}
	if activity.AvgPowerW != nil {
		t.Fatal("expected missing watts to stay nil")
	}
}

func TestFetchActivitiesPassesWindow(t *testing.T) {
	since := time.Date(2026, time.February, 12, 0, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/athlete/activities" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("after") != "1770854400" {
			t.Fatalf("unexpected after param %q", query.Get("after"))
		}
		if query.Get("per_page") != "50" {
			t.Fatalf("unexpected per_page param %q", query.Get("per_page"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"id":          1,
				"sport_type":  "Ride",
				"start_date":  "2026-02-13T08:00:00Z",
				"moving_time": 5400,
			},
			{
				"id":          2,
				"sport_type":  "UnicycleFreestyle",
				"start_date":  "2026-02-14T08:00:00Z",
				"moving_time": 1800,
			},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	activities, err := adapter.FetchActivities(context.Background(), "plain-access", since, 50)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(activities))
	}
	if activities[0].Type != core.ActivityBike {
		t.Fatalf("expected BIKE, got %s", activities[0].Type)
	}
	if activities[1].Type != core.ActivityOther {
		t.Fatalf("expected unmapped sport to fall back to OTHER, got %s", activities[1].Type)
	}
}

func TestFetchActivityUnauthorizedMapsToReconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	_, err := adapter.FetchActivity(context.Background(), "stale-access", "1")
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !core.IsReconnectRequired(err) {
		t.Fatalf("expected reconnect-required, got %v", err)
	}
}
