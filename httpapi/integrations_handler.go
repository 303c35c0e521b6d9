package httpapi

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/podiumlab/tri-integrations/core"
)

// IntegrationService is the slice of the orchestrator the athlete-facing
// routes need.
type IntegrationService interface {
	AuthorizationURL(ctx context.Context, provider string, principal core.Principal) (string, error)
	CompleteCallback(ctx context.Context, provider string, state string, code string) (core.ProviderID, error)
	SyncNow(ctx context.Context, provider string, principal core.Principal) (core.IngestResult, error)
	Disconnect(ctx context.Context, provider string, principal core.Principal) error
	Status(ctx context.Context, principal core.Principal) (core.StatusReport, error)
	History(ctx context.Context, principal core.Principal, provider string, limit int) ([]core.SyncHistoryEntry, error)
}

type IntegrationsHandler struct {
	service     IntegrationService
	frontendURL string
	logger      core.Logger
}

func NewIntegrationsHandler(service IntegrationService, frontendURL string, logger core.Logger) *IntegrationsHandler {
	return &IntegrationsHandler{
		service:     service,
		frontendURL: strings.TrimRight(strings.TrimSpace(frontendURL), "/"),
		logger:      glog.Ensure(logger),
	}
}

func (h *IntegrationsHandler) Register(app *fiber.App) {
	group := app.Group("/integrations")

	// The provider redirects the browser here; identity travels inside the
	// signed state, not in locals.
	group.Get("/:provider/callback", h.Callback)

	group.Get("/status", h.Status, RequirePrincipal())
	group.Get("/sync-history", h.History, RequirePrincipal())
	group.Get("/:provider/connect", h.Connect, RequirePrincipal())
	group.Post("/:provider/disconnect", h.Disconnect, RequirePrincipal())
	group.Post("/:provider/sync", h.Sync, RequirePrincipal())
}

func (h *IntegrationsHandler) Connect(c fiber.Ctx) error {
	principal, _ := PrincipalFrom(c)
	provider := c.Params("provider")

	authURL, err := h.service.AuthorizationURL(c.Context(), provider, principal)
	if err != nil {
		if core.IsProviderUnavailable(err) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":   "pending_approval",
				"provider": provider,
			})
		}
		return writeError(c, err)
	}
	return c.Redirect().To(authURL)
}

func (h *IntegrationsHandler) Callback(c fiber.Ctx) error {
	provider := c.Params("provider")
	if c.Query("error") != "" {
		return c.Redirect().To(h.frontendURL + "/settings/integrations?error=denied")
	}

	providerID, err := h.service.CompleteCallback(c.Context(), provider, c.Query("state"), c.Query("code"))
	if err != nil {
		h.logger.Error("oauth callback failed", "provider", provider, "error", err.Error())
		return c.Redirect().To(h.frontendURL + "/settings/integrations?error=failed")
	}
	return c.Redirect().To(h.frontendURL + "/settings/integrations?integration=" + providerID.String() + "&status=connected")
}

func (h *IntegrationsHandler) Disconnect(c fiber.Ctx) error {
	principal, _ := PrincipalFrom(c)
	provider := c.Params("provider")

	if err := h.service.Disconnect(c.Context(), provider, principal); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"status":   "disconnected",
		"provider": provider,
	})
}

func (h *IntegrationsHandler) Sync(c fiber.Ctx) error {
	principal, _ := PrincipalFrom(c)
	provider := c.Params("provider")

	result, err := h.service.SyncNow(c.Context(), provider, principal)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"status":           "synced",
		"provider":         provider,
		"workouts_added":   result.WorkoutsInserted,
		"workouts_skipped": result.WorkoutsSkipped,
		"metrics_added":    result.MetricsInserted,
		"metrics_skipped":  result.MetricsSkipped,
	})
}

func (h *IntegrationsHandler) Status(c fiber.Ctx) error {
	principal, _ := PrincipalFrom(c)

	report, err := h.service.Status(c.Context(), principal)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(report)
}

func (h *IntegrationsHandler) History(c fiber.Ctx) error {
	principal, _ := PrincipalFrom(c)

	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	entries, err := h.service.History(c.Context(), principal, c.Query("provider"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}
