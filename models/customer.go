package models

import (
	"strings"

	"gorm.io/gorm"
)

// Customer is a person who writes to a mailbox
type Customer struct {
	gorm.Model
	FirstName string `gorm:"size:255" json:"first_name"`
	LastName  string `gorm:"size:255" json:"last_name"`
	Email     string `gorm:"size:191;uniqueIndex;not null" json:"email"`
	Company   string `gorm:"size:255" json:"company"`
	JobTitle  string `gorm:"size:255" json:"job_title"`
	Phone     string `gorm:"size:60" json:"phone"`
	Notes     string `gorm:"type:text" json:"notes"`
}

func (c *Customer) FullName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}
