package httpapi

import (
	"context"
	"crypto/subtle"

	"github.com/gofiber/fiber/v3"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/podiumlab/tri-integrations/core"
)

// WebhookIngestor is the slice of the orchestrator the webhook routes need.
type WebhookIngestor interface {
	IngestWebhook(ctx context.Context, provider string, headers map[string]string, body []byte) (core.WebhookDisposition, error)
}

// WebhookHandler terminates provider push deliveries. Acknowledgement is
// fast: verify, enqueue, respond; processing happens in the queue poller.
type WebhookHandler struct {
	ingestor          WebhookIngestor
	stravaVerifyToken string
	logger            core.Logger
}

func NewWebhookHandler(ingestor WebhookIngestor, stravaVerifyToken string, logger core.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor:          ingestor,
		stravaVerifyToken: stravaVerifyToken,
		logger:            glog.Ensure(logger),
	}
}

func (h *WebhookHandler) Register(app *fiber.App) {
	app.Get("/webhooks/strava", h.StravaChallenge)
	app.Post("/webhooks/:provider", h.Receive)
}

// StravaChallenge answers Strava's subscription handshake. The echoed
// hub.challenge must match exactly or Strava drops the subscription.
func (h *WebhookHandler) StravaChallenge(c fiber.Ctx) error {
	verifyToken := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	// An unset token must never validate; empty-vs-empty compares equal.
	if h.stravaVerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(verifyToken), []byte(h.stravaVerifyToken)) != 1 {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "verify token mismatch",
		})
	}
	return c.JSON(fiber.Map{"hub.challenge": challenge})
}

func (h *WebhookHandler) Receive(c fiber.Ctx) error {
	provider := c.Params("provider")
	headers := flattenHeaders(c.GetReqHeaders())
	body := append([]byte(nil), c.Body()...)

	disposition, err := h.ingestor.IngestWebhook(c.Context(), provider, headers, body)
	if err != nil {
		if core.HasTextCode(err, core.IntegrationErrorWebhookRejected) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"status": "invalid_signature",
			})
		}
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"status": string(disposition)})
}

func flattenHeaders(headers map[string][]string) map[string]string {
	flattened := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			flattened[key] = values[0]
		}
	}
	return flattened
}
