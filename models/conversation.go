package models

import (
	"time"

	"gorm.io/gorm"
)

type ConversationStatus uint8

const (
	ConversationStatusActive  ConversationStatus = 1
	ConversationStatusPending ConversationStatus = 2
	ConversationStatusClosed  ConversationStatus = 3
	ConversationStatusSpam    ConversationStatus = 4
)

var conversationStatusNames = map[ConversationStatus]string{
	ConversationStatusActive:  "active",
	ConversationStatusPending: "pending",
	ConversationStatusClosed:  "closed",
	ConversationStatusSpam:    "spam",
}

func (s ConversationStatus) String() string {
	if name, ok := conversationStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s ConversationStatus) Valid() bool {
	_, ok := conversationStatusNames[s]
	return ok
}

// ParseConversationStatus maps a status name to its value.
func ParseConversationStatus(name string) (ConversationStatus, bool) {
	for status, n := range conversationStatusNames {
		if n == name {
			return status, true
		}
	}
	return 0, false
}

type ConversationState uint8

const (
	ConversationStateDraft     ConversationState = 1
	ConversationStatePublished ConversationState = 2
	ConversationStateDeleted   ConversationState = 3
)

const previewLength = 255

// Conversation is a support case made of an ordered list of threads
type Conversation struct {
	gorm.Model
	Number    uint               `gorm:"index" json:"number"`
	MailboxID uint               `gorm:"not null;index" json:"mailbox_id"`
	FolderID  uint               `gorm:"not null;index" json:"folder_id"`
	Subject   string             `gorm:"size:998" json:"subject"`
	Preview   string             `gorm:"size:255" json:"preview"`
	Status    ConversationStatus `gorm:"not null;default:1;index" json:"status"`
	State     ConversationState  `gorm:"not null;default:2" json:"state"`

	UserID        *uint  `gorm:"index" json:"user_id,omitempty"` // assignee
	CustomerID    uint   `gorm:"not null;index" json:"customer_id"`
	CustomerEmail string `json:"customer_email"`

	SourceVia           SourceVia  `json:"source_via"`
	SourceType          SourceType `json:"source_type"`
	CreatedByUserID     *uint      `json:"created_by_user_id,omitempty"`
	CreatedByCustomerID *uint      `json:"created_by_customer_id,omitempty"`

	ThreadsCount int        `gorm:"default:0" json:"threads_count"`
	LastReplyAt  *time.Time `json:"last_reply_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`

	// Relations
	Threads  []Thread  `gorm:"foreignKey:ConversationID" json:"threads,omitempty"`
	Customer *Customer `json:"customer,omitempty"`
	Mailbox  *Mailbox  `json:"-"`
}

func (c *Conversation) IsClosed() bool {
	return c.Status == ConversationStatusClosed
}

// LatestThread returns the last thread in insertion order.
func (c *Conversation) LatestThread() *Thread {
	if len(c.Threads) == 0 {
		return nil
	}
	latest := &c.Threads[0]
	for i := range c.Threads {
		if c.Threads[i].ID > latest.ID {
			latest = &c.Threads[i]
		}
	}
	return latest
}

// DerivedStatus is the status set by the newest published thread that set one.
// It falls back to the stored status when no thread decides.
func (c *Conversation) DerivedStatus() ConversationStatus {
	var decided *Thread
	for i := range c.Threads {
		t := &c.Threads[i]
		if t.State != ThreadStatePublished || t.Status == ThreadStatusNoChange {
			continue
		}
		if decided == nil || t.ID > decided.ID {
			decided = t
		}
	}
	if decided == nil {
		return c.Status
	}
	status := ConversationStatus(decided.Status)
	if !status.Valid() {
		return c.Status
	}
	return status
}

// Refresh recomputes status, counters and preview from the loaded threads.
func (c *Conversation) Refresh(preview func(body string) string) {
	prev := c.Status
	c.Status = c.DerivedStatus()
	if c.Status == ConversationStatusClosed && prev != ConversationStatusClosed {
		now := time.Now()
		c.ClosedAt = &now
	} else if c.Status != ConversationStatusClosed {
		c.ClosedAt = nil
	}

	count := 0
	var lastReply *Thread
	for i := range c.Threads {
		t := &c.Threads[i]
		if t.State != ThreadStatePublished {
			continue
		}
		if t.Type == ThreadTypeCustomer || t.Type == ThreadTypeMessage {
			count++
			if lastReply == nil || t.ID > lastReply.ID {
				lastReply = t
			}
		}
	}
	c.ThreadsCount = count
	if lastReply != nil {
		created := lastReply.CreatedAt
		c.LastReplyAt = &created
		if preview != nil {
			c.Preview = truncate(preview(lastReply.Body), previewLength)
		}
	}
}

// ConversationFolder places a conversation in a personal folder (starred).
type ConversationFolder struct {
	ConversationID uint `gorm:"primaryKey" json:"conversation_id"`
	FolderID       uint `gorm:"primaryKey;index" json:"folder_id"`
}

// FolderTypeFor is the public folder a conversation belongs in.
func FolderTypeFor(c *Conversation) FolderType {
	switch {
	case c.State == ConversationStateDeleted:
		return FolderTypeDeleted
	case c.State == ConversationStateDraft:
		return FolderTypeDrafts
	case c.Status == ConversationStatusSpam:
		return FolderTypeSpam
	case c.Status == ConversationStatusClosed:
		return FolderTypeClosed
	case c.UserID != nil:
		return FolderTypeAssigned
	default:
		return FolderTypeUnassigned
	}
}
