// Package garmin is the placeholder Garmin Connect adapter. The OAuth flow
// is gated on Garmin's business API approval, so authorization paths report
// provider-unavailable instead of guessing at the OAuth 1.0a handshake.
package garmin

import (
	"context"
	"time"

	"github.com/podiumlab/tri-integrations/core"
	"github.com/podiumlab/tri-integrations/providers"
)

const pendingApprovalReason = "garmin connect api access pending business approval"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() core.ProviderID {
	return core.ProviderGarmin
}

func (a *Adapter) BuildAuthURL(string) string {
	return ""
}

func (a *Adapter) ExchangeCode(context.Context, string) (core.TokenGrant, error) {
	return core.TokenGrant{}, core.NewProviderUnavailable(core.ProviderGarmin, pendingApprovalReason)
}

// RefreshToken always fails: Garmin access tokens are long lived and there
// is no refresh grant to call.
func (a *Adapter) RefreshToken(context.Context, string) (core.TokenGrant, error) {
	return core.TokenGrant{}, core.NewProviderUnavailable(core.ProviderGarmin, "garmin tokens are long-lived; refresh is not supported")
}

func (a *Adapter) RevokeAccess(context.Context, string) error {
	return nil
}

// VerifyWebhook currently accepts every delivery. Garmin's push payloads
// carry no signature we can check until the API onboarding completes, so
// deliveries are trusted and the gap is tracked for when credentials land.
func (a *Adapter) VerifyWebhook(map[string]string, []byte) bool {
	return true
}

func (a *Adapter) ExtractOwnerID(event map[string]any) string {
	return providers.EventString(event, "userId", "user_id")
}

func (a *Adapter) ExtractActivityID(event map[string]any) string {
	return providers.EventString(event, "activityId", "summaryId", "activity_id")
}

func (a *Adapter) FetchActivity(context.Context, string, string) (core.NormalizedActivity, error) {
	return core.NormalizedActivity{}, core.NewProviderUnavailable(core.ProviderGarmin, pendingApprovalReason)
}

func (a *Adapter) FetchActivities(context.Context, string, time.Time, int) ([]core.NormalizedActivity, error) {
	return nil, core.NewProviderUnavailable(core.ProviderGarmin, pendingApprovalReason)
}

var _ core.Adapter = (*Adapter)(nil)
