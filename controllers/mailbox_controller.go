package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"helpdesk/middleware"
	"helpdesk/services"
	"helpdesk/utils"
)

type MailboxController struct {
	Mailboxes *services.MailboxService
	Logger    *logrus.Entry
}

func NewMailboxController(mailboxes *services.MailboxService, logger *logrus.Entry) *MailboxController {
	return &MailboxController{Mailboxes: mailboxes, Logger: logger}
}

func (mc *MailboxController) List(c *fiber.Ctx) error {
	mailboxes, err := mc.Mailboxes.List(c.UserContext(), middleware.CurrentUser(c))
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(mailboxes))
}

func (mc *MailboxController) Create(c *fiber.Ctx) error {
	var input services.CreateMailboxInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	mailbox, err := mc.Mailboxes.Create(c.UserContext(), middleware.CurrentUser(c), input)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(mailbox))
}

func (mc *MailboxController) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	mailbox, err := mc.Mailboxes.Get(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(mailbox))
}

func (mc *MailboxController) Update(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input services.UpdateMailboxInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	mailbox, err := mc.Mailboxes.Update(c.UserContext(), middleware.CurrentUser(c), id, input)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(mailbox))
}

func (mc *MailboxController) Delete(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := mc.Mailboxes.Delete(c.UserContext(), middleware.CurrentUser(c), id); err != nil {
		return respondError(c, err, nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (mc *MailboxController) Permissions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	perms, err := mc.Mailboxes.Permissions(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(perms))
}

func (mc *MailboxController) UpdatePermissions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input struct {
		Users []uint `json:"users"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	granted, err := mc.Mailboxes.SyncUsers(c.UserContext(), middleware.CurrentUser(c), id, input.Users)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"mailbox_id": id, "users": granted}))
}

// UpdateConnection saves the incoming or outgoing server settings.
func (mc *MailboxController) UpdateConnection(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	direction := c.Params("direction")
	if direction != services.DirectionIncoming && direction != services.DirectionOutgoing {
		return fiber.NewError(fiber.StatusNotFound, "Not found")
	}
	var input services.ConnectionInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	mailbox, err := mc.Mailboxes.UpdateConnection(c.UserContext(), middleware.CurrentUser(c), id, direction, input)
	if err != nil {
		input.Password = ""
		return respondError(c, err, input)
	}
	mc.Logger.WithFields(logrus.Fields{"mailbox_id": id, "direction": direction}).Info("Mailbox connection updated")
	return c.JSON(utils.SuccessResponse(mailbox))
}

// View renders a folder of the mailbox with the navigation counts.
func (mc *MailboxController) View(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	opts := services.ViewOptions{
		Page:  c.QueryInt("page", 1),
		Limit: c.QueryInt("limit", 0),
	}
	if c.Params("folder_id") != "" {
		if opts.FolderID, err = paramID(c, "folder_id"); err != nil {
			return err
		}
	}

	view, err := mc.Mailboxes.View(c.UserContext(), middleware.CurrentUser(c), id, opts)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(view))
}
