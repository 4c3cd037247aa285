// Package controller holds the fiber handlers. Handlers only decode input,
// call a service and map its result onto a response.
package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"helpdesk/middleware"
	"helpdesk/models"
	"helpdesk/services"
	"helpdesk/utils"
)

// respondError maps service errors onto HTTP statuses. input is echoed back
// on validation failures so the client can refill its form.
func respondError(c *fiber.Ctx, err error, input interface{}) error {
	var (
		verr     *models.ValidationError
		authErr  *models.AuthorizationError
		notFound *models.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"error":   "Validation failed",
			"fields":  verr.Fields,
			"input":   input,
		})
	case errors.As(err, &authErr):
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Forbidden", authErr)
	case errors.As(err, &notFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", notFound)
	case errors.Is(err, services.ErrInvalidCredentials):
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid email or password", nil)
	}

	fields := map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	}
	if user := middleware.CurrentUser(c); user != nil {
		fields["user_id"] = user.ID
	}
	utils.LogError("request_failed", err, fields)
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

// paramID reads a numeric route parameter. A non-numeric value is a 404.
func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusNotFound, "Not found")
	}
	return uint(id), nil
}

// ErrorHandler renders errors that escape the handlers, fiber's own included,
// in the JSON envelope used everywhere else.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return utils.ErrorResponse(c, fe.Code, fe.Message, nil)
	}
	return respondError(c, err, nil)
}

func badBody(c *fiber.Ctx, err error) error {
	return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
}
