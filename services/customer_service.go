package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"helpdesk/models"
	"helpdesk/utils"
)

type CustomerInput struct {
	FirstName string `json:"first_name" validate:"max=255"`
	LastName  string `json:"last_name" validate:"max=255"`
	Email     string `json:"email" validate:"required,max=191,mailformat"`
	Company   string `json:"company" validate:"max=255"`
	JobTitle  string `json:"job_title" validate:"max=255"`
	Phone     string `json:"phone" validate:"max=60"`
	Notes     string `json:"notes"`
}

// CustomerService manages customer profiles. Every signed-in user may see
// and edit customers.
type CustomerService struct {
	db *gorm.DB
}

func NewCustomerService(db *gorm.DB) *CustomerService {
	return &CustomerService{db: db}
}

func (s *CustomerService) Get(ctx context.Context, actor *models.User, id uint) (*models.Customer, error) {
	if actor == nil {
		return nil, &models.AuthorizationError{Action: "view", Resource: "customer"}
	}
	var customer models.Customer
	if err := s.db.WithContext(ctx).First(&customer, id).Error; err != nil {
		return nil, notFound(err, "customer", id)
	}
	return &customer, nil
}

func (s *CustomerService) Update(ctx context.Context, actor *models.User, id uint, in CustomerInput) (*models.Customer, error) {
	if actor == nil {
		return nil, &models.AuthorizationError{Action: "update", Resource: "customer"}
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	verr := models.NewValidationError()
	if err := utils.ValidateStruct(in); err != nil {
		if !errors.As(err, &verr) {
			return nil, err
		}
	}

	var customer models.Customer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&customer, id).Error; err != nil {
			return notFound(err, "customer", id)
		}
		if _, failed := verr.Fields["email"]; !failed && in.Email != customer.Email {
			var count int64
			if err := tx.Unscoped().Model(&models.Customer{}).Where("email = ? AND id <> ?", in.Email, id).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check customer email: %w", err)
			}
			if count > 0 {
				verr.Add("email", "unique")
			}
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		customer.FirstName = strings.TrimSpace(in.FirstName)
		customer.LastName = strings.TrimSpace(in.LastName)
		customer.Email = in.Email
		customer.Company = in.Company
		customer.JobTitle = in.JobTitle
		customer.Phone = in.Phone
		customer.Notes = in.Notes
		return tx.Save(&customer).Error
	})
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// findOrCreateCustomer looks a customer up by email, creating it when new.
// Names only fill blanks on an existing customer.
func findOrCreateCustomer(tx *gorm.DB, email, firstName, lastName string) (*models.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var customer models.Customer
	err := tx.Where(models.Customer{Email: email}).
		Attrs(models.Customer{FirstName: firstName, LastName: lastName}).
		FirstOrCreate(&customer).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find or create customer %s: %w", email, err)
	}
	if customer.FirstName == "" && firstName != "" {
		customer.FirstName, customer.LastName = firstName, lastName
		if err := tx.Save(&customer).Error; err != nil {
			return nil, fmt.Errorf("failed to update customer name: %w", err)
		}
	}
	return &customer, nil
}

// splitName turns "Ann Lee" into first and last name.
func splitName(name string) (string, string) {
	name = strings.TrimSpace(strings.Trim(name, `"`))
	if name == "" {
		return "", ""
	}
	first, last, _ := strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}
