package httpapi

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	goerrors "github.com/goliatone/go-errors"
)

// writeError renders the error envelope core attaches: HTTP status from the
// error's Code, machine-readable text code alongside the message.
func writeError(c fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	message := "An unexpected error occurred"
	textCode := ""

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Code > 0 {
			status = richErr.Code
		}
		if richErr.Message != "" {
			message = richErr.Message
		}
		textCode = richErr.TextCode
	} else if err != nil {
		message = err.Error()
	}

	payload := fiber.Map{"error": message}
	if textCode != "" {
		payload["code"] = textCode
	}
	return c.Status(status).JSON(payload)
}
