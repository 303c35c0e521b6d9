// Package providers holds the shared plumbing the per-provider adapters are
// built on: an OAuth2 authorization-code flow, an authenticated JSON API
// client, and webhook event field readers.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/podiumlab/tri-integrations/core"
	"github.com/podiumlab/tri-integrations/transport"
)

const maxAPIResponseBodyBytes = 1 << 20 // 1 MiB

// OAuthFlow wraps an oauth2.Config for one provider and maps transport
// failures into the integration error taxonomy.
type OAuthFlow struct {
	provider core.ProviderID
	conf     *oauth2.Config
}

func NewOAuthFlow(provider core.ProviderID, conf *oauth2.Config) *OAuthFlow {
	return &OAuthFlow{provider: provider, conf: conf}
}

func (f *OAuthFlow) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	if f == nil || f.conf == nil {
		return ""
	}
	return f.conf.AuthCodeURL(state, opts...)
}

func (f *OAuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f == nil || f.conf == nil {
		return nil, fmt.Errorf("providers: oauth flow is not configured")
	}
	if strings.TrimSpace(code) == "" {
		return nil, core.NewBadInput("providers: auth code is required")
	}
	token, err := f.conf.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, f.mapTokenError("exchange", err)
	}
	return token, nil
}

// Refresh trades a refresh token for a fresh token pair. Providers may
// rotate the refresh token; callers must persist the returned one.
func (f *OAuthFlow) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if f == nil || f.conf == nil {
		return nil, fmt.Errorf("providers: oauth flow is not configured")
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, core.NewBadInput("providers: refresh token is required")
	}
	source := f.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, f.mapTokenError("refresh", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func (f *OAuthFlow) mapTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		detail := strings.TrimSpace(string(retrieveErr.Body))
		if detail == "" {
			detail = retrieveErr.Error()
		}
		return core.NewProviderAPIError(f.provider, status, op+" failed: "+detail)
	}
	return fmt.Errorf("providers: %s %s token: %w", f.provider, op, err)
}

// GrantFromToken converts an oauth2 token into the provider-agnostic grant.
// A zero expiry means the token never expires and maps to a nil ExpiresAt.
func GrantFromToken(token *oauth2.Token, providerUserID string, scopes []string) core.TokenGrant {
	grant := core.TokenGrant{
		ProviderUserID: strings.TrimSpace(providerUserID),
		Scopes:         append([]string(nil), scopes...),
	}
	if token == nil {
		return grant
	}
	grant.AccessToken = strings.TrimSpace(token.AccessToken)
	grant.RefreshToken = strings.TrimSpace(token.RefreshToken)
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		grant.ExpiresAt = &expiry
	}
	return grant
}

// APIClient performs bearer-authenticated JSON calls against one provider's
// REST API through the shared retry transport.
type APIClient struct {
	provider core.ProviderID
	http     *transport.RetryClient
}

func NewAPIClient(provider core.ProviderID, client *transport.RetryClient) *APIClient {
	if client == nil {
		client = transport.NewRetryClient()
	}
	return &APIClient{provider: provider, http: client}
}

// GetJSON fetches url with the access token and decodes the body into out.
// Non-2xx statuses map into the integration error taxonomy.
func (c *APIClient) GetJSON(ctx context.Context, accessToken string, url string, out any) error {
	body, err := c.call(ctx, http.MethodGet, accessToken, url, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return core.NewProviderAPIError(c.provider, 0, "decode response: "+err.Error())
	}
	return nil
}

// Send issues a non-GET call (revocations, deregistrations) and discards the
// response body.
func (c *APIClient) Send(ctx context.Context, method string, accessToken string, url string, payload []byte) error {
	_, err := c.call(ctx, method, accessToken, url, payload)
	return err
}

func (c *APIClient) call(ctx context.Context, method string, accessToken string, url string, payload []byte) ([]byte, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("providers: api client is not configured")
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if strings.TrimSpace(accessToken) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(accessToken))
	}
	if len(payload) > 0 {
		header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(ctx, transport.Request{
		Method: method,
		URL:    url,
		Header: header,
		Body:   payload,
	})
	if err != nil {
		return nil, core.NewProviderAPIError(c.provider, 0, err.Error())
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxAPIResponseBodyBytes))
	if readErr != nil {
		return nil, core.NewProviderAPIError(c.provider, response.StatusCode, "read response: "+readErr.Error())
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return body, nil
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, core.NewReconnectRequired(c.provider)
	case response.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := time.ParseDuration(strings.TrimSpace(response.Header.Get("Retry-After")) + "s")
		return nil, core.NewRateLimited(c.provider, retryAfter)
	default:
		return nil, core.NewProviderAPIError(c.provider, response.StatusCode, strings.TrimSpace(string(body)))
	}
}

// DecodeEvent parses a raw webhook body into the generic event shape all
// adapters extract from.
func DecodeEvent(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("providers: empty webhook body")
	}
	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("providers: decode webhook body: %w", err)
	}
	return event, nil
}

// EventString reads the first present key from a webhook event, rendering
// integral JSON numbers without a decimal point so numeric provider ids
// survive the round trip through map[string]any.
func EventString(event map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := event[key]
		if !ok || value == nil {
			continue
		}
		if rendered := renderEventValue(value); rendered != "" {
			return rendered
		}
	}
	return ""
}

// NestedEvent returns the object stored under key, or nil when absent or not
// an object.
func NestedEvent(event map[string]any, key string) map[string]any {
	value, ok := event[key]
	if !ok {
		return nil
	}
	nested, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return nested
}

func renderEventValue(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

// FloatPtr and IntPtr lift recorded values into the nullable activity
// fields; absent values stay nil so "not recorded" is distinguishable from
// "recorded as zero".
func FloatPtr(value float64) *float64 {
	return &value
}

func IntPtr(value int) *int {
	return &value
}

// RoundedIntPtr converts a recorded float (heart rates, power, calories come
// back as JSON numbers) into the integer column shape.
func RoundedIntPtr(value float64) *int {
	rounded := int(math.Round(value))
	return &rounded
}
