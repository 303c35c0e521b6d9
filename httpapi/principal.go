package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/podiumlab/tri-integrations/core"
)

const (
	athleteIDLocal = "athlete_id"
	clubIDLocal    = "club_id"
)

// PrincipalFrom reads the caller identity the upstream auth middleware
// stored in fiber locals. The JWT layer itself lives outside this module.
func PrincipalFrom(c fiber.Ctx) (core.Principal, bool) {
	athleteID, _ := c.Locals(athleteIDLocal).(string)
	clubID, _ := c.Locals(clubIDLocal).(string)
	principal := core.Principal{
		AthleteID: strings.TrimSpace(athleteID),
		ClubID:    strings.TrimSpace(clubID),
	}
	return principal, principal.AthleteID != ""
}

// RequirePrincipal rejects requests that reached an athlete-scoped route
// without an identity in locals.
func RequirePrincipal() fiber.Handler {
	return func(c fiber.Ctx) error {
		if _, ok := PrincipalFrom(c); !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing athlete identity",
			})
		}
		return c.Next()
	}
}
