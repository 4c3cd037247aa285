package models

import "gorm.io/gorm"

// SavedReply is a canned answer used to seed a thread body
type SavedReply struct {
	gorm.Model
	MailboxID uint   `gorm:"not null;index" json:"mailbox_id"`
	Name      string `gorm:"size:75;not null" json:"name"`
	Body      string `gorm:"type:text;not null" json:"body"`
}
