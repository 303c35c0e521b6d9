package core

import (
	"errors"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// ErrAccountNotFound is returned by account stores when no row matches;
// callers map it to a not-connected condition.
var ErrAccountNotFound = errors.New("core: connected account not found")

const (
	IntegrationErrorBadInput            = "INTEGRATION_BAD_INPUT"
	IntegrationErrorProviderNotFound    = "INTEGRATION_PROVIDER_NOT_FOUND"
	IntegrationErrorNotConnected        = "INTEGRATION_NOT_CONNECTED"
	IntegrationErrorOAuthStateInvalid   = "INTEGRATION_OAUTH_STATE_INVALID"
	IntegrationErrorReconnectRequired   = "INTEGRATION_RECONNECT_REQUIRED"
	IntegrationErrorProviderUnavailable = "INTEGRATION_PROVIDER_UNAVAILABLE"
	IntegrationErrorProviderAPI         = "INTEGRATION_PROVIDER_API_ERROR"
	IntegrationErrorWebhookRejected     = "INTEGRATION_WEBHOOK_REJECTED"
	IntegrationErrorRateLimited         = "INTEGRATION_RATE_LIMITED"
	IntegrationErrorInternal            = "INTEGRATION_INTERNAL_ERROR"
)

func NewBadInput(message string) *goerrors.Error {
	return ensureEnvelope(goerrors.New(message, goerrors.CategoryBadInput).
		WithTextCode(IntegrationErrorBadInput))
}

func NewProviderNotFound(name string) *goerrors.Error {
	return ensureEnvelope(goerrors.New(
		"core: provider not registered: "+strings.TrimSpace(name),
		goerrors.CategoryNotFound,
	).WithTextCode(IntegrationErrorProviderNotFound))
}

func NewNotConnected(provider ProviderID, athleteID string) *goerrors.Error {
	return ensureEnvelope(goerrors.New(
		"core: no connected account for provider "+provider.String(),
		goerrors.CategoryBadInput,
	).WithTextCode(IntegrationErrorNotConnected).
		WithMetadata(map[string]any{
			"provider":   provider.String(),
			"athlete_id": athleteID,
		}))
}

func NewOAuthStateInvalid(reason string) *goerrors.Error {
	message := "core: oauth state invalid"
	if strings.TrimSpace(reason) != "" {
		message += ": " + strings.TrimSpace(reason)
	}
	return ensureEnvelope(goerrors.New(message, goerrors.CategoryAuth).
		WithTextCode(IntegrationErrorOAuthStateInvalid))
}

// NewReconnectRequired marks a token expired with no refresh path; the
// frontend prompts re-authorization rather than silently failing.
func NewReconnectRequired(provider ProviderID) *goerrors.Error {
	return ensureEnvelope(goerrors.New(
		"core: token expired and no refresh token available for "+provider.String(),
		goerrors.CategoryAuth,
	).WithTextCode(IntegrationErrorReconnectRequired).
		WithMetadata(map[string]any{"provider": provider.String()}))
}

// NewProviderUnavailable marks a permanent, known limitation (Garmin OAuth
// pending business approval), not a transient fault.
func NewProviderUnavailable(provider ProviderID, reason string) *goerrors.Error {
	return ensureEnvelope(goerrors.New(
		"core: provider "+provider.String()+" unavailable: "+strings.TrimSpace(reason),
		goerrors.CategoryOperation,
	).WithCode(http.StatusServiceUnavailable).
		WithTextCode(IntegrationErrorProviderUnavailable).
		WithMetadata(map[string]any{"provider": provider.String()}))
}

func NewProviderAPIError(provider ProviderID, status int, message string) *goerrors.Error {
	return ensureEnvelope(goerrors.New(
		"core: provider "+provider.String()+" api error: "+strings.TrimSpace(message),
		goerrors.CategoryExternal,
	).WithTextCode(IntegrationErrorProviderAPI).
		WithMetadata(map[string]any{
			"provider":        provider.String(),
			"provider_status": status,
		}))
}

func NewWebhookRejected(provider ProviderID) *goerrors.Error {
	return ensureEnvelope(goerrors.New(
		"core: webhook signature verification failed for "+provider.String(),
		goerrors.CategoryAuth,
	).WithTextCode(IntegrationErrorWebhookRejected).
		WithMetadata(map[string]any{"provider": provider.String()}))
}

func NewRateLimited(provider ProviderID, retryAfter time.Duration) *goerrors.Error {
	metadata := map[string]any{"provider": provider.String()}
	if retryAfter > 0 {
		metadata["retry_after_ms"] = retryAfter.Milliseconds()
	}
	return ensureEnvelope(goerrors.New(
		"core: sync throttled for provider "+provider.String(),
		goerrors.CategoryRateLimit,
	).WithTextCode(IntegrationErrorRateLimited).WithMetadata(metadata))
}

// ProviderStatusCode returns the upstream HTTP status recorded on a
// provider API error, or 0 when err carries none.
func ProviderStatusCode(err error) int {
	if err == nil {
		return 0
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return 0
	}
	switch status := richErr.Metadata["provider_status"].(type) {
	case int:
		return status
	case int64:
		return int(status)
	case float64:
		return int(status)
	default:
		return 0
	}
}

// HasTextCode reports whether err carries the given integration text code.
func HasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(richErr.TextCode), strings.TrimSpace(textCode))
}

func IsReconnectRequired(err error) bool {
	return HasTextCode(err, IntegrationErrorReconnectRequired)
}

func IsProviderUnavailable(err error) bool {
	return HasTextCode(err, IntegrationErrorProviderUnavailable)
}

func IsNotConnected(err error) bool {
	return HasTextCode(err, IntegrationErrorNotConnected)
}

func IsRateLimited(err error) bool {
	return HasTextCode(err, IntegrationErrorRateLimited)
}

// mapError guarantees every error leaving the orchestrator carries a
// category, an HTTP status, and an integration text code.
func mapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not registered"), strings.Contains(msg, "unknown provider"):
		return ensureEnvelope(goerrors.New(err.Error(), goerrors.CategoryNotFound).
			WithTextCode(IntegrationErrorProviderNotFound))
	case strings.Contains(msg, "oauth state"):
		return ensureEnvelope(goerrors.New(err.Error(), goerrors.CategoryAuth).
			WithTextCode(IntegrationErrorOAuthStateInvalid))
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return ensureEnvelope(goerrors.New(err.Error(), goerrors.CategoryRateLimit).
			WithTextCode(IntegrationErrorRateLimited))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureEnvelope(goerrors.New(err.Error(), goerrors.CategoryBadInput).
			WithTextCode(IntegrationErrorBadInput))
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureEnvelope(mapped)
}

func ensureEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusFor(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return IntegrationErrorBadInput
	case goerrors.CategoryNotFound:
		return IntegrationErrorProviderNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return IntegrationErrorOAuthStateInvalid
	case goerrors.CategoryRateLimit:
		return IntegrationErrorRateLimited
	case goerrors.CategoryExternal:
		return IntegrationErrorProviderAPI
	case goerrors.CategoryOperation:
		return IntegrationErrorProviderUnavailable
	default:
		return IntegrationErrorInternal
	}
}

func httpStatusFor(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
