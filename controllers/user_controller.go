package controller

import (
	"github.com/gofiber/fiber/v2"

	"helpdesk/middleware"
	"helpdesk/services"
	"helpdesk/utils"
)

type UserController struct {
	Users *services.UserService
}

func NewUserController(users *services.UserService) *UserController {
	return &UserController{Users: users}
}

func (uc *UserController) List(c *fiber.Ctx) error {
	users, err := uc.Users.List(c.UserContext(), middleware.CurrentUser(c))
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(users))
}

func (uc *UserController) Create(c *fiber.Ctx) error {
	var input services.CreateUserInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	user, err := uc.Users.Create(c.UserContext(), middleware.CurrentUser(c), input)
	if err != nil {
		input.Password = ""
		return respondError(c, err, input)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(user))
}

func (uc *UserController) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	user, err := uc.Users.Get(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(user))
}

func (uc *UserController) Update(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input services.ProfileInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	user, err := uc.Users.UpdateProfile(c.UserContext(), middleware.CurrentUser(c), id, input)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(user))
}

func (uc *UserController) Permissions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	perms, err := uc.Users.Permissions(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(perms))
}

// UpdatePermissions replaces the mailboxes the user may access.
func (uc *UserController) UpdatePermissions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input struct {
		Mailboxes []uint `json:"mailboxes"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	user, err := uc.Users.SyncMailboxGrants(c.UserContext(), middleware.CurrentUser(c), id, input.Mailboxes)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"user_id": user.ID, "mailboxes": user.MailboxIDs()}))
}
