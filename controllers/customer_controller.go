package controller

import (
	"github.com/gofiber/fiber/v2"

	"helpdesk/middleware"
	"helpdesk/services"
	"helpdesk/utils"
)

type CustomerController struct {
	Customers *services.CustomerService
}

func NewCustomerController(customers *services.CustomerService) *CustomerController {
	return &CustomerController{Customers: customers}
}

func (cc *CustomerController) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	customer, err := cc.Customers.Get(c.UserContext(), middleware.CurrentUser(c), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(utils.SuccessResponse(customer))
}

func (cc *CustomerController) Update(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var input services.CustomerInput
	if err := c.BodyParser(&input); err != nil {
		return badBody(c, err)
	}

	customer, err := cc.Customers.Update(c.UserContext(), middleware.CurrentUser(c), id, input)
	if err != nil {
		return respondError(c, err, input)
	}
	return c.JSON(utils.SuccessResponse(customer))
}
