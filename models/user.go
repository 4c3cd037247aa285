package models

import (
	"strings"

	"gorm.io/gorm"
)

// Role is the fixed set of user roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Roles lists every valid role.
var Roles = []Role{RoleUser, RoleAdmin}

func (r Role) Valid() bool {
	for _, role := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Invite states
const (
	InviteStateActivated  = "activated"
	InviteStateSent       = "sent"
	InviteStateNotInvited = "not_invited"
)

const (
	TimeFormat12 = 12
	TimeFormat24 = 24
)

// User is an agent or administrator of the help desk
type User struct {
	gorm.Model

	FirstName string `gorm:"size:20;not null" json:"first_name"`
	LastName  string `gorm:"size:30;not null" json:"last_name"`
	Email     string `gorm:"size:100;uniqueIndex;not null" json:"email"`
	Role      Role   `gorm:"size:20;not null;default:'user'" json:"role"`

	// Authentication
	PasswordHash    string `json:"-"`
	InviteTokenHash string `gorm:"index" json:"-"`
	InviteState     string `gorm:"size:20;default:'activated'" json:"invite_state"`
	TokenVersion    int    `gorm:"default:0" json:"-"`

	// Profile
	JobTitle          string `gorm:"size:100" json:"job_title"`
	Phone             string `gorm:"size:60" json:"phone"`
	Emails            string `gorm:"size:100" json:"emails"` // alternate addresses
	Timezone          string `gorm:"default:'UTC'" json:"timezone"`
	TimeFormat        int    `gorm:"default:12" json:"time_format"`
	EnableKbShortcuts bool   `gorm:"default:true" json:"enable_kb_shortcuts"`

	// Relations
	Mailboxes []Mailbox `gorm:"many2many:mailbox_user;" json:"mailboxes,omitempty"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// HasMailbox reports whether mailboxID is in the user's loaded grant set.
func (u *User) HasMailbox(mailboxID uint) bool {
	for _, m := range u.Mailboxes {
		if m.ID == mailboxID {
			return true
		}
	}
	return false
}

// MailboxIDs returns the ids of the loaded grant set.
func (u *User) MailboxIDs() []uint {
	ids := make([]uint, 0, len(u.Mailboxes))
	for _, m := range u.Mailboxes {
		ids = append(ids, m.ID)
	}
	return ids
}
