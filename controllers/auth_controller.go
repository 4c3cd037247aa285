package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"helpdesk/config"
	"helpdesk/middleware"
	"helpdesk/models"
	"helpdesk/services"
	"helpdesk/utils"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user"`
}

type AuthController struct {
	Users  *services.UserService
	Logger *logrus.Entry
}

func NewAuthController(users *services.UserService, logger *logrus.Entry) *AuthController {
	return &AuthController{Users: users, Logger: logger}
}

func (ac *AuthController) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	user, err := ac.Users.Authenticate(c.UserContext(), req.Email, req.Password)
	if err != nil {
		ac.Logger.WithField("ip", c.IP()).Warn("Failed login attempt")
		return respondError(c, err, fiber.Map{"email": req.Email})
	}
	return ac.issueToken(c, user)
}

// AcceptInvite sets the password of an invited user and signs them in.
func (ac *AuthController) AcceptInvite(c *fiber.Ctx) error {
	var req services.AcceptInviteInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	user, err := ac.Users.AcceptInvite(c.UserContext(), req)
	if err != nil {
		return respondError(c, err, fiber.Map{"token": req.Token})
	}
	return ac.issueToken(c, user)
}

func (ac *AuthController) Me(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(middleware.CurrentUser(c)))
}

func (ac *AuthController) issueToken(c *fiber.Ctx, user *models.User) error {
	token, expiresAt, err := utils.GenerateJWTToken(user)
	if err != nil {
		return respondError(c, err, nil)
	}

	c.Cookie(&fiber.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    token,
		Expires:  expiresAt,
		HTTPOnly: true,
		Secure:   config.AppConfig.Environment == "production",
		SameSite: "Lax",
	})
	return c.JSON(utils.SuccessResponse(AuthResponse{AccessToken: token, ExpiresAt: expiresAt, User: user}))
}
