package models

import (
	"time"

	"gorm.io/gorm"
)

// ThreadType says what kind of entry a thread is within its conversation.
type ThreadType uint8

const (
	ThreadTypeCustomer ThreadType = 1 // written by the customer
	ThreadTypeMessage  ThreadType = 2 // reply written by a user
	ThreadTypeNote     ThreadType = 3
	ThreadTypeLineItem ThreadType = 4 // action record, e.g. status change
	ThreadTypePhone    ThreadType = 5
)

// ThreadStatus records the conversation status set by the thread.
type ThreadStatus uint8

const (
	ThreadStatusActive   ThreadStatus = 1
	ThreadStatusPending  ThreadStatus = 2
	ThreadStatusClosed   ThreadStatus = 3
	ThreadStatusSpam     ThreadStatus = 4
	ThreadStatusNoChange ThreadStatus = 6
)

type ThreadState uint8

const (
	ThreadStateDraft     ThreadState = 1
	ThreadStatePublished ThreadState = 2
	ThreadStateHidden    ThreadState = 3
)

type ActionType uint8

const (
	ActionTypeStatusChanged    ActionType = 1
	ActionTypeUserChanged      ActionType = 2
	ActionTypeMovedFromMailbox ActionType = 3
	ActionTypeDeletedTicket    ActionType = 10
	ActionTypeRestoredTicket   ActionType = 11
)

// SourceVia is who produced a thread.
type SourceVia uint8

const (
	SourceViaCustomer SourceVia = 1
	SourceViaUser     SourceVia = 2
)

// SourceType is the channel a thread arrived through.
type SourceType uint8

const (
	SourceTypeEmail SourceType = 1
	SourceTypeWeb   SourceType = 2
	SourceTypeAPI   SourceType = 3
)

type SendStatus uint8

const (
	SendStatusToSend  SendStatus = 1
	SendStatusSending SendStatus = 2
	SendStatusSent    SendStatus = 3
	SendStatusFailed  SendStatus = 4
)

var sendStatusNames = map[SendStatus]string{
	SendStatusToSend:  "to-send",
	SendStatusSending: "sending",
	SendStatusSent:    "sent",
	SendStatusFailed:  "failed",
}

func (s SendStatus) String() string {
	if name, ok := sendStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// sent has no outgoing edges; failed may only go back to to-send (retry).
var sendTransitions = map[SendStatus][]SendStatus{
	SendStatusToSend:  {SendStatusSending, SendStatusFailed},
	SendStatusSending: {SendStatusSent, SendStatusFailed},
	SendStatusFailed:  {SendStatusToSend},
}

// CanTransitionTo reports whether the send status machine permits s -> next.
func (s SendStatus) CanTransitionTo(next SendStatus) bool {
	for _, allowed := range sendTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

const maxShortText = 255

// Thread is one message, note or action inside a conversation
type Thread struct {
	gorm.Model
	ConversationID uint         `gorm:"not null;index" json:"conversation_id"`
	UserID         *uint        `gorm:"index" json:"user_id,omitempty"` // assignee
	Type           ThreadType   `gorm:"not null" json:"type"`
	Status         ThreadStatus `gorm:"not null;default:1" json:"status"`
	State          ThreadState  `gorm:"not null;default:1" json:"state"`

	ActionType *ActionType `json:"action_type,omitempty"`
	ActionText *string     `gorm:"size:255" json:"action_text,omitempty"`

	Body         string  `gorm:"type:text;not null" json:"body"`
	BodyOriginal *string `gorm:"type:text" json:"body_original,omitempty"`

	To  AddressList `gorm:"column:to" json:"to,omitempty"`
	Cc  AddressList `gorm:"column:cc" json:"cc,omitempty"`
	Bcc AddressList `gorm:"column:bcc" json:"bcc,omitempty"`

	SourceVia  SourceVia  `gorm:"not null" json:"source_via"`
	SourceType SourceType `gorm:"not null" json:"source_type"`

	// For customer threads the author, for message threads the recipient.
	CustomerID   uint  `gorm:"not null;index" json:"customer_id"`
	// User or customer id depending on SourceVia.
	CreatedBy    uint  `gorm:"not null" json:"created_by"`
	SavedReplyID *uint `json:"saved_reply_id,omitempty"`

	SendStatus     SendStatus `gorm:"not null;default:1;index" json:"send_status"`
	SendStatusText *string    `gorm:"size:255" json:"send_status_text,omitempty"`
	MessageID      string     `gorm:"size:255;index" json:"message_id,omitempty"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
}

func (t *Thread) IsDraft() bool {
	return t.State == ThreadStateDraft
}

// VisibleToCustomer is true for published customer-facing entries.
func (t *Thread) VisibleToCustomer() bool {
	return t.State == ThreadStatePublished &&
		(t.Type == ThreadTypeCustomer || t.Type == ThreadTypeMessage)
}

// ReadyToSend is true for published replies nobody has tried to deliver yet.
func (t *Thread) ReadyToSend() bool {
	return t.Type == ThreadTypeMessage &&
		t.State == ThreadStatePublished &&
		t.SendStatus == SendStatusToSend
}

// EditBody replaces the body. The first edit keeps the prior body in
// BodyOriginal; later edits leave it alone.
func (t *Thread) EditBody(body string) {
	if body == t.Body {
		return
	}
	if t.BodyOriginal == nil {
		original := t.Body
		t.BodyOriginal = &original
	}
	t.Body = body
}

// Publish moves a draft to published.
func (t *Thread) Publish() error {
	if t.State != ThreadStateDraft {
		return consistencyf("thread %d is not a draft", t.ID)
	}
	t.State = ThreadStatePublished
	return nil
}

// SetSendStatus applies a send status transition, rejecting regressions.
func (t *Thread) SetSendStatus(next SendStatus, text string) error {
	if !t.SendStatus.CanTransitionTo(next) {
		return consistencyf("thread %d send status cannot go from %s to %s", t.ID, t.SendStatus, next)
	}
	if next == SendStatusSending && t.State != ThreadStatePublished {
		return consistencyf("thread %d is not published", t.ID)
	}
	t.SendStatus = next
	if text == "" {
		t.SendStatusText = nil
	} else {
		text = truncate(text, maxShortText)
		t.SendStatusText = &text
	}
	return nil
}

// SetAction attaches action metadata to a line item.
func (t *Thread) SetAction(action ActionType, text string) {
	text = truncate(text, maxShortText)
	t.ActionType = &action
	t.ActionText = &text
}

// MarkOpened records the first time the thread was read.
func (t *Thread) MarkOpened(at time.Time) bool {
	if t.OpenedAt != nil {
		return false
	}
	t.OpenedAt = &at
	return true
}

// CheckProvenance verifies type, source and author agree with each other.
func (t *Thread) CheckProvenance() error {
	switch t.SourceVia {
	case SourceViaCustomer:
		if t.Type != ThreadTypeCustomer {
			return consistencyf("customer sourced thread has type %d", t.Type)
		}
		if t.CreatedBy != t.CustomerID {
			return consistencyf("customer thread created by %d but belongs to customer %d", t.CreatedBy, t.CustomerID)
		}
	case SourceViaUser:
		if t.Type == ThreadTypeCustomer {
			return consistencyf("user sourced thread cannot have customer type")
		}
		if t.CreatedBy == 0 {
			return consistencyf("user sourced thread has no author")
		}
	default:
		return consistencyf("unknown thread source %d", t.SourceVia)
	}
	return nil
}

func (t *Thread) BeforeSave(tx *gorm.DB) error {
	return t.CheckProvenance()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
