package models

import (
	"strings"

	"gorm.io/gorm"
)

// Outgoing delivery methods
const (
	OutMethodPHPMail = "mail"
	OutMethodSMTP    = "smtp"
)

// Mailbox is a shared inbox customers write to
type Mailbox struct {
	gorm.Model

	Name      string `gorm:"size:40;not null" json:"name"`
	Email     string `gorm:"size:128;uniqueIndex;not null" json:"email"`
	Ratings   bool   `gorm:"default:false" json:"ratings"`
	Signature string `gorm:"type:text" json:"signature"`

	// ========= Incoming (IMAP) =========
	InServer     string `json:"in_server"`
	InPort       int    `gorm:"default:993" json:"in_port"`
	InUsername   string `json:"in_username"`
	InPassword   string `json:"-"` // Encrypted in application layer
	InEncryption string `gorm:"default:'SSL'" json:"in_encryption"`
	InFolder     string `gorm:"default:'INBOX'" json:"in_folder"`

	// ========= Outgoing =========
	OutMethod     string `gorm:"default:'mail'" json:"out_method"`
	OutServer     string `json:"out_server"`
	OutPort       int    `gorm:"default:587" json:"out_port"`
	OutUsername   string `json:"out_username"`
	OutPassword   string `json:"-"` // Encrypted in application layer
	OutEncryption string `gorm:"default:'STARTTLS'" json:"out_encryption"`

	// Relations
	Users   []User   `gorm:"many2many:mailbox_user;" json:"users,omitempty"`
	Folders []Folder `gorm:"foreignKey:MailboxID" json:"folders,omitempty"`
}

// HasIncoming reports whether enough IMAP settings exist to fetch mail.
func (m *Mailbox) HasIncoming() bool {
	return m.InServer != "" && m.InUsername != ""
}

// UsesSMTP reports whether outgoing mail goes through the mailbox's own server.
func (m *Mailbox) UsesSMTP() bool {
	return strings.EqualFold(m.OutMethod, OutMethodSMTP) && m.OutServer != ""
}

// Sanitize clears credentials before the mailbox leaves the service layer.
func (m *Mailbox) Sanitize() {
	m.InPassword = ""
	m.OutPassword = ""
}
