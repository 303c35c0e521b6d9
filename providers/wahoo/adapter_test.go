package wahoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/podiumlab/tri-integrations/core"
)

func newTestAdapter(t *testing.T, server *httptest.Server) *Adapter {
	t.Helper()
	cfg := Config{
		ClientID:     "wahoo-client",
		ClientSecret: "wahoo-secret",
		WebhookToken: "static-webhook-token",
		RedirectURL:  "https://app.example.com/integrations/wahoo/callback",
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

func TestExchangeCodeFetchesUserID(t *testing.T) {
	var tokenCalls, userCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth/token":
			tokenCalls++
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "wahoo-access",
				"refresh_token": "wahoo-refresh",
				"expires_in":    7200,
			})
		case "/user":
			userCalls++
			if got := r.Header.Get("Authorization"); got != "Bearer wahoo-access" {
				t.Fatalf("unexpected authorization header %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"id": 60462, "first": "Tri"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	grant, err := adapter.ExchangeCode(context.Background(), "wahoo-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if tokenCalls != 1 || userCalls != 1 {
		t.Fatalf("expected one token and one user call, got %d/%d", tokenCalls, userCalls)
	}
	if grant.ProviderUserID != "60462" {
		t.Fatalf("expected user id 60462, got %q", grant.ProviderUserID)
	}
	if grant.RefreshToken != "wahoo-refresh" {
		t.Fatalf("expected refresh token, got %q", grant.RefreshToken)
	}
	if grant.ExpiresAt == nil {
		t.Fatal("expected expiry from expires_in")
	}
}

func TestRefreshTokenKeepsRotatedRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Fatalf("expected refresh grant, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-access",
			"refresh_token": "rotated-refresh",
			"expires_in":    7200,
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	grant, err := adapter.RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if grant.AccessToken != "rotated-access" {
		t.Fatalf("expected rotated access token, got %q", grant.AccessToken)
	}
	if grant.RefreshToken != "rotated-refresh" {
		t.Fatalf("expected rotated refresh token, got %q", grant.RefreshToken)
	}
}

func TestVerifyWebhookSharedToken(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	valid := []byte(`{"event_type":"workout_summary","webhook_token":"static-webhook-token"}`)
	if !adapter.VerifyWebhook(nil, valid) {
		t.Fatal("expected matching token to verify")
	}

	rejected := [][]byte{
		[]byte(`{"event_type":"workout_summary","webhook_token":"wrong-token"}`),
		[]byte(`{"event_type":"workout_summary"}`),
		[]byte(`not json`),
		nil,
	}
	for i, body := range rejected {
		if adapter.VerifyWebhook(nil, body) {
			t.Fatalf("case %d: expected verification to fail", i)
		}
	}
}

func TestExtractIDsFromNestedPayload(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	event := map[string]any{
		"event_type":    "workout_summary",
		"webhook_token": "static-webhook-token",
		"user":          map[string]any{"id": float64(60462)},
		"workout_summary": map[string]any{
			"id":      float64(147564),
			"workout": map[string]any{"id": float64(286912), "workout_type_id": float64(0)},
		},
	}

	if got := adapter.ExtractOwnerID(event); got != "60462" {
		t.Fatalf("owner id: got %q", got)
	}
	if got := adapter.ExtractActivityID(event); got != "286912" {
		t.Fatalf("activity id: got %q", got)
	}

	flat := map[string]any{"workout_id": "17"}
	if got := adapter.ExtractActivityID(flat); got != "17" {
		t.Fatalf("flat activity id: got %q", got)
	}
	if got := adapter.ExtractOwnerID(flat); got != "" {
		t.Fatalf("expected empty owner id, got %q", got)
	}
}

func TestFetchActivityNormalizes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workouts/286912" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":              286912,
			"name":            "Sweet Spot Intervals",
			"starts":          "2026-03-14T17:00:00.000Z",
			"minutes":         75.0,
			"workout_type_id": 0,
			"workout_summary": map[string]any{
				"distance_accum":       38500.0,
				"calories_accum":       880.0,
				"heart_rate_avg":       143.7,
				"power_avg":            212.3,
				"duration_total_accum": 4500.0,
			},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	activity, err := adapter.FetchActivity(context.Background(), "wahoo-access", "286912")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if activity.Type != core.ActivityBike {
		t.Fatalf("expected BIKE, got %s", activity.Type)
	}
	if activity.DurationS != 4500 {
		t.Fatalf("expected 4500s, got %d", activity.DurationS)
	}
	if activity.DistanceM == nil || *activity.DistanceM != 38500 {
		t.Fatalf("expected distance 38500, got %v", activity.DistanceM)
	}
	if activity.AvgPowerW == nil || *activity.AvgPowerW != 212 {
		t.Fatalf("expected avg power 212, got %v", activity.AvgPowerW)
	}
	if activity.AvgHR == nil || *activity.AvgHR != 144 {
		t.Fatalf("expected avg hr 144, got %v", activity.AvgHR)
	}
	if activity.Notes != "Sweet Spot Intervals" {
		t.Fatalf("expected notes from name, got %q", activity.Notes)
	}
}

func TestFetchActivitiesFiltersBySince(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workouts" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"workouts": []map[string]any{
				{"id": 1, "starts": "2026-03-01T08:00:00Z", "minutes": 60.0, "workout_type_id": 1},
				{"id": 2, "starts": "2026-03-12T08:00:00Z", "minutes": 30.0, "workout_type_id": 25},
			},
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server)
	since := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	activities, err := adapter.FetchActivities(context.Background(), "wahoo-access", since, 30)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(activities))
	}
	if activities[0].Type != core.ActivitySwim {
		t.Fatalf("expected SWIM, got %s", activities[0].Type)
	}
	if activities[0].DurationS != 1800 {
		t.Fatalf("expected 1800s from minutes, got %d", activities[0].DurationS)
	}
}

func TestUnmappedWorkoutTypeFallsBackToOther(t *testing.T) {
	if got := mapWorkoutType(9999); got != core.ActivityOther {
		t.Fatalf("expected OTHER, got %s", got)
	}
}
