package controller

import (
	"github.com/gofiber/fiber/v2"

	"helpdesk/middleware"
	"helpdesk/services"
	"helpdesk/utils"
)

type ConversationController struct {
	Conversations *services.ConversationService
}

func NewConversationController(convs *services.ConversationService) *ConversationController {
	return &ConversationController{Conversations: convs}
}

func (cc *ConversationController) Create(c *fiber.Ctx) error {
	var input services.NewConversationInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	conv, err := cc.Conversations.Create(c.UserContext(), middleware.CurrentUser(c), input)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(conv))
}

func (cc *ConversationController) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	conv, err := cc.Conversations.Get(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(conv))
}

// AddThread appends a reply or a note.
func (cc *ConversationController) AddThread(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input services.ThreadInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	thread, err := cc.Conversations.AddThread(c.UserContext(), middleware.CurrentUser(c), id, input)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(thread))
}

func (cc *ConversationController) ChangeStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	conv, err := cc.Conversations.ChangeStatus(c.UserContext(), middleware.CurrentUser(c), id, input.Status)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(conv))
}

// Assign sets the assignee; a null user_id unassigns.
func (cc *ConversationController) Assign(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input struct {
		UserID *uint `json:"user_id"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	conv, err := cc.Conversations.Assign(c.UserContext(), middleware.CurrentUser(c), id, input.UserID)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(conv))
}

func (cc *ConversationController) Delete(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	conv, err := cc.Conversations.Delete(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(conv))
}

func (cc *ConversationController) Restore(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	conv, err := cc.Conversations.Restore(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(conv))
}

func (cc *ConversationController) Star(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input struct {
		Starred bool `json:"starred"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	if err := cc.Conversations.Star(c.UserContext(), middleware.CurrentUser(c), id, input.Starred); err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"conversation_id": id, "starred": input.Starred}))
}

func (cc *ConversationController) EditThread(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input struct {
		Body string `json:"body"`
	}
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	thread, err := cc.Conversations.EditThread(c.UserContext(), middleware.CurrentUser(c), id, input.Body)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(thread))
}

func (cc *ConversationController) PublishThread(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	thread, err := cc.Conversations.PublishThread(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(thread))
}

// RetryThread queues a failed reply for another delivery attempt.
func (cc *ConversationController) RetryThread(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	thread, err := cc.Conversations.RetryThread(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(thread))
}
