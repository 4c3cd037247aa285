// Package policy holds the authorization rules. Every function is pure: it
// looks only at the actor and the subject it is given.
package policy

import "helpdesk/models"

// Action is the operation being authorized.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Decision is the outcome of a policy check.
type Decision uint8

const (
	Deny Decision = iota
	Allow
)

func (d Decision) Allowed() bool {
	return d == Allow
}

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

func allowIf(cond bool) Decision {
	if cond {
		return Allow
	}
	return Deny
}

// Mailbox decides mailbox access. mailbox may be nil for create.
func Mailbox(actor *models.User, action Action, mailbox *models.Mailbox) Decision {
	if actor == nil {
		return Deny
	}
	if actor.IsAdmin() {
		return Allow
	}
	switch action {
	case ActionView:
		return allowIf(mailbox != nil && actor.HasMailbox(mailbox.ID))
	default:
		return Deny
	}
}

// User decides access to user records. subject may be nil for create.
func User(actor *models.User, action Action, subject *models.User) Decision {
	if actor == nil {
		return Deny
	}
	if actor.IsAdmin() {
		return Allow
	}
	switch action {
	case ActionView, ActionUpdate:
		return allowIf(subject != nil && subject.ID == actor.ID)
	default:
		return Deny
	}
}

// Conversation follows the mailbox the conversation lives in.
func Conversation(actor *models.User, action Action, conv *models.Conversation) Decision {
	if actor == nil || conv == nil {
		return Deny
	}
	if actor.IsAdmin() {
		return Allow
	}
	switch action {
	case ActionView, ActionCreate, ActionUpdate:
		return allowIf(actor.HasMailbox(conv.MailboxID))
	default:
		return Deny
	}
}

// Authorize turns a deny into an AuthorizationError.
func Authorize(d Decision, action Action, resource string) error {
	if d.Allowed() {
		return nil
	}
	return &models.AuthorizationError{Action: string(action), Resource: resource}
}
