package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"helpdesk/models"
	"helpdesk/policy"
	"helpdesk/realtime"
	"helpdesk/utils"
)

const (
	ThreadKindMessage = "message"
	ThreadKindNote    = "note"

	staleSendText = "delivery interrupted, retry to send again"
)

// ErrInvalidSender rejects inbound mail whose From is not a usable address.
var ErrInvalidSender = errors.New("invalid sender address")

type NewConversationInput struct {
	MailboxID         uint     `json:"mailbox_id" validate:"required"`
	CustomerEmail     string   `json:"customer_email" validate:"required,max=191,mailformat"`
	CustomerFirstName string   `json:"customer_first_name" validate:"max=255"`
	CustomerLastName  string   `json:"customer_last_name" validate:"max=255"`
	Subject           string   `json:"subject" validate:"required,max=998"`
	Body              string   `json:"body" validate:"required"`
	Cc                []string `json:"cc" validate:"dive,mailformat"`
	Bcc               []string `json:"bcc" validate:"dive,mailformat"`
	Status            string   `json:"status" validate:"omitempty,oneof=active pending closed"`
	AssigneeID        *uint    `json:"user_id"`
	Draft             bool     `json:"draft"`
}

type ThreadInput struct {
	Type         string   `json:"type" validate:"required,oneof=message note"`
	Body         string   `json:"body"`
	To           []string `json:"to" validate:"dive,mailformat"`
	Cc           []string `json:"cc" validate:"dive,mailformat"`
	Bcc          []string `json:"bcc" validate:"dive,mailformat"`
	Status       string   `json:"status" validate:"omitempty,oneof=active pending closed"`
	SavedReplyID *uint    `json:"saved_reply_id"`
	Draft        bool     `json:"draft"`
}

// IncomingMessage is a parsed customer email.
type IncomingMessage struct {
	MessageID  string
	InReplyTo  string
	References []string
	FromEmail  string
	FromName   string
	Subject    string
	Body       string
	To         []string
	Cc         []string
	ReceivedAt time.Time
}

// Outbound is a claimed reply together with what is needed to deliver it.
type Outbound struct {
	Thread       *models.Thread
	Conversation *models.Conversation
	Mailbox      *models.Mailbox
	Customer     *models.Customer
}

type ConversationService struct {
	db        *gorm.DB
	publisher realtime.Publisher
	logger    *logrus.Entry
}

func NewConversationService(db *gorm.DB, publisher realtime.Publisher, logger *logrus.Entry) *ConversationService {
	return &ConversationService{db: db, publisher: publisherOrNop(publisher), logger: logger}
}

// Create starts a conversation on behalf of a user with a first reply to the
// customer.
func (s *ConversationService) Create(ctx context.Context, actor *models.User, in NewConversationInput) (*models.Conversation, error) {
	in.CustomerEmail = strings.ToLower(strings.TrimSpace(in.CustomerEmail))
	in.Subject = strings.TrimSpace(in.Subject)

	verr := models.NewValidationError()
	if err := utils.ValidateStruct(in); err != nil {
		if !errors.As(err, &verr) {
			return nil, err
		}
	}

	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mailbox models.Mailbox
		if err := tx.First(&mailbox, in.MailboxID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				verr.Add("mailbox_id", "exists")
				return verr
			}
			return notFound(err, "mailbox", in.MailboxID)
		}
		probe := &models.Conversation{MailboxID: mailbox.ID}
		if err := policy.Authorize(policy.Conversation(actor, policy.ActionCreate, probe), policy.ActionCreate, "conversation"); err != nil {
			return err
		}
		if in.AssigneeID != nil {
			if err := checkAssignee(tx, mailbox.ID, *in.AssigneeID, verr); err != nil {
				return err
			}
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		customer, err := findOrCreateCustomer(tx, in.CustomerEmail, in.CustomerFirstName, in.CustomerLastName)
		if err != nil {
			return err
		}

		status := models.ConversationStatusActive
		if in.Status != "" {
			status, _ = models.ParseConversationStatus(in.Status)
		}
		state := models.ConversationStatePublished
		threadState := models.ThreadStatePublished
		if in.Draft {
			state = models.ConversationStateDraft
			threadState = models.ThreadStateDraft
		}

		conv = &models.Conversation{
			MailboxID:       mailbox.ID,
			Subject:         in.Subject,
			Status:          status,
			State:           state,
			UserID:          in.AssigneeID,
			CustomerID:      customer.ID,
			CustomerEmail:   customer.Email,
			SourceVia:       models.SourceViaUser,
			SourceType:      models.SourceTypeWeb,
			CreatedByUserID: &actor.ID,
		}
		folder, err := models.FindFolder(tx, mailbox.ID, models.FolderTypeFor(conv))
		if err != nil {
			return err
		}
		conv.FolderID = folder.ID
		if err := tx.Omit(clause.Associations).Create(conv).Error; err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		conv.Number = conv.ID

		thread := &models.Thread{
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			Type:           models.ThreadTypeMessage,
			Status:         models.ThreadStatus(status),
			State:          threadState,
			Body:           in.Body,
			To:             models.AddressList{customer.Email},
			Cc:             models.NormalizeAddresses(in.Cc),
			Bcc:            models.NormalizeAddresses(in.Bcc),
			SourceVia:      models.SourceViaUser,
			SourceType:     models.SourceTypeWeb,
			CustomerID:     customer.ID,
			CreatedBy:      actor.ID,
			SendStatus:     models.SendStatusToSend,
		}
		if err := tx.Create(thread).Error; err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"conversation_id": conv.ID, "mailbox_id": conv.MailboxID}).Info("Conversation created")
	s.notify(conv)
	return conv, nil
}

// Get returns the conversation with its threads in order.
func (s *ConversationService) Get(ctx context.Context, actor *models.User, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Preload("Threads", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Customer").
		First(&conv, id).Error
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	if err := policy.Authorize(policy.Conversation(actor, policy.ActionView, &conv), policy.ActionView, "conversation"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// AddThread appends a reply or a note. A saved reply seeds an empty body.
func (s *ConversationService) AddThread(ctx context.Context, actor *models.User, convID uint, in ThreadInput) (*models.Thread, error) {
	verr := models.NewValidationError()
	if err := utils.ValidateStruct(in); err != nil {
		if !errors.As(err, &verr) {
			return nil, err
		}
	}

	var thread *models.Thread
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, err = s.lockConversation(tx, actor, policy.ActionUpdate, convID); err != nil {
			return err
		}

		body := in.Body
		if in.SavedReplyID != nil {
			var reply models.SavedReply
			err := tx.Where("id = ? AND mailbox_id = ?", *in.SavedReplyID, conv.MailboxID).First(&reply).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				verr.Add("saved_reply_id", "exists")
			case err != nil:
				return fmt.Errorf("failed to load saved reply: %w", err)
			case strings.TrimSpace(body) == "":
				body = reply.Body
			}
		}
		if strings.TrimSpace(body) == "" {
			verr.Add("body", "required")
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		thread = &models.Thread{
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			State:          models.ThreadStatePublished,
			Body:           body,
			SourceVia:      models.SourceViaUser,
			SourceType:     models.SourceTypeWeb,
			CustomerID:     conv.CustomerID,
			CreatedBy:      actor.ID,
			SavedReplyID:   in.SavedReplyID,
			SendStatus:     models.SendStatusToSend,
		}
		if in.Draft {
			thread.State = models.ThreadStateDraft
		}

		switch in.Type {
		case ThreadKindNote:
			thread.Type = models.ThreadTypeNote
			thread.Status = models.ThreadStatusNoChange
		default:
			thread.Type = models.ThreadTypeMessage
			thread.Status = models.ThreadStatus(conv.Status)
			if in.Status != "" {
				status, _ := models.ParseConversationStatus(in.Status)
				thread.Status = models.ThreadStatus(status)
			}
			thread.To = models.NormalizeAddresses(in.To)
			if len(thread.To) == 0 {
				thread.To = models.AddressList{conv.CustomerEmail}
			}
			thread.Cc = models.NormalizeAddresses(in.Cc)
			thread.Bcc = models.NormalizeAddresses(in.Bcc)
		}

		if err := tx.Create(thread).Error; err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	s.notify(conv)
	return thread, nil
}

// EditThread changes a thread body. The first edit of a non-draft thread
// keeps the previous body in body_original.
func (s *ConversationService) EditThread(ctx context.Context, actor *models.User, threadID uint, body string) (*models.Thread, error) {
	if strings.TrimSpace(body) == "" {
		verr := models.NewValidationError()
		verr.Add("body", "required")
		return nil, verr
	}

	var thread *models.Thread
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, thread, err = s.lockThread(tx, actor, threadID); err != nil {
			return err
		}
		// Customer text is what they sent; a claimed thread is already on the wire.
		switch {
		case thread.Type == models.ThreadTypeLineItem, thread.Type == models.ThreadTypeCustomer:
			verr := models.NewValidationError()
			verr.Add("type", "not_editable")
			return verr
		case thread.SendStatus == models.SendStatusSending:
			verr := models.NewValidationError()
			verr.Add("send_status", "not_editable")
			return verr
		}

		thread.EditBody(body)
		if err := tx.Save(thread).Error; err != nil {
			return fmt.Errorf("failed to save thread: %w", err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	s.notify(conv)
	return thread, nil
}

// PublishThread turns a draft into a published thread. A draft conversation
// is published along with it.
func (s *ConversationService) PublishThread(ctx context.Context, actor *models.User, threadID uint) (*models.Thread, error) {
	var thread *models.Thread
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, thread, err = s.lockThread(tx, actor, threadID); err != nil {
			return err
		}
		if err := thread.Publish(); err != nil {
			return err
		}
		if err := tx.Save(thread).Error; err != nil {
			return fmt.Errorf("failed to save thread: %w", err)
		}
		if conv.State == models.ConversationStateDraft {
			conv.State = models.ConversationStatePublished
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	s.notify(conv)
	return thread, nil
}

// ChangeStatus records a status change as a line item and moves the
// conversation to the matching folder.
func (s *ConversationService) ChangeStatus(ctx context.Context, actor *models.User, convID uint, statusName string) (*models.Conversation, error) {
	status, ok := models.ParseConversationStatus(statusName)
	if !ok {
		verr := models.NewValidationError()
		verr.Add("status", "in")
		return nil, verr
	}

	var conv *models.Conversation
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, err = s.lockConversation(tx, actor, policy.ActionUpdate, convID); err != nil {
			return err
		}
		if conv.Status == status {
			return nil
		}
		changed = true

		item := s.lineItem(conv, actor, models.ThreadStatus(status))
		item.SetAction(models.ActionTypeStatusChanged, fmt.Sprintf("%s marked as %s", actor.FullName(), status))
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to record status change: %w", err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.notify(conv)
	}
	return conv, nil
}

// Assign sets or clears the conversation assignee.
func (s *ConversationService) Assign(ctx context.Context, actor *models.User, convID uint, userID *uint) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, err = s.lockConversation(tx, actor, policy.ActionUpdate, convID); err != nil {
			return err
		}

		text := fmt.Sprintf("%s unassigned the conversation", actor.FullName())
		if userID != nil {
			verr := models.NewValidationError()
			if err := checkAssignee(tx, conv.MailboxID, *userID, verr); err != nil {
				return err
			}
			if err := verr.OrNil(); err != nil {
				return err
			}
			var assignee models.User
			if err := tx.First(&assignee, *userID).Error; err != nil {
				return notFound(err, "user", *userID)
			}
			text = fmt.Sprintf("%s assigned to %s", actor.FullName(), assignee.FullName())
		}
		conv.UserID = userID

		item := s.lineItem(conv, actor, models.ThreadStatusNoChange)
		item.SetAction(models.ActionTypeUserChanged, text)
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to record assignment: %w", err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	s.notify(conv)
	return conv, nil
}

// Delete moves the conversation to the deleted folder.
func (s *ConversationService) Delete(ctx context.Context, actor *models.User, convID uint) (*models.Conversation, error) {
	return s.setState(ctx, actor, convID, models.ConversationStateDeleted, models.ActionTypeDeletedTicket, "deleted the conversation")
}

// Restore brings a deleted conversation back.
func (s *ConversationService) Restore(ctx context.Context, actor *models.User, convID uint) (*models.Conversation, error) {
	return s.setState(ctx, actor, convID, models.ConversationStatePublished, models.ActionTypeRestoredTicket, "restored the conversation")
}

func (s *ConversationService) setState(ctx context.Context, actor *models.User, convID uint, state models.ConversationState, action models.ActionType, verb string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, err = s.lockConversation(tx, actor, policy.ActionDelete, convID); err != nil {
			return err
		}
		if conv.State == state {
			return nil
		}
		conv.State = state

		item := s.lineItem(conv, actor, models.ThreadStatusNoChange)
		item.SetAction(action, actor.FullName()+" "+verb)
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to record %s: %w", verb, err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	s.notify(conv)
	return conv, nil
}

// Star adds the conversation to, or removes it from, the actor's starred folder.
func (s *ConversationService) Star(ctx context.Context, actor *models.User, convID uint, starred bool) error {
	var conv *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if conv, err = s.lockConversation(tx, actor, policy.ActionView, convID); err != nil {
			return err
		}
		var folder models.Folder
		if err := tx.Where("mailbox_id = ? AND user_id = ? AND type = ?", conv.MailboxID, actor.ID, models.FolderTypeStarred).
			First(&folder).Error; err != nil {
			return notFound(err, "folder", 0)
		}
		link := models.ConversationFolder{ConversationID: conv.ID, FolderID: folder.ID}
		if starred {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
		}
		return tx.Delete(&link).Error
	})
	if err != nil {
		return err
	}

	s.notify(conv)
	return nil
}

// MarkOpened records that the customer opened a reply. Only the first open
// is kept.
func (s *ConversationService) MarkOpened(ctx context.Context, threadID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		if err := forUpdate(tx).First(&thread, threadID).Error; err != nil {
			return notFound(err, "thread", threadID)
		}
		if !thread.MarkOpened(time.Now()) {
			return nil
		}
		return tx.Save(&thread).Error
	})
}

// RetryThread puts a failed reply back in the send queue.
func (s *ConversationService) RetryThread(ctx context.Context, actor *models.User, threadID uint) (*models.Thread, error) {
	var thread *models.Thread
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if _, thread, err = s.lockThread(tx, actor, threadID); err != nil {
			return err
		}
		if thread.SendStatus != models.SendStatusFailed {
			verr := models.NewValidationError()
			verr.Add("send_status", "not_failed")
			return verr
		}
		if err := thread.SetSendStatus(models.SendStatusToSend, ""); err != nil {
			return err
		}
		return tx.Save(thread).Error
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// ReceiveCustomerMessage stores an inbound email, threading it onto the
// conversation it replies to or starting a new one. Messages already stored
// are ignored.
func (s *ConversationService) ReceiveCustomerMessage(ctx context.Context, mailbox *models.Mailbox, msg IncomingMessage) (*models.Conversation, error) {
	if !utils.ValidEmail(msg.FromEmail) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, msg.FromEmail)
	}

	var conv *models.Conversation
	duplicate := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.MessageID != "" {
			var existing models.Thread
			err := tx.Joins("JOIN conversations ON conversations.id = threads.conversation_id").
				Where("threads.message_id = ? AND conversations.mailbox_id = ?", msg.MessageID, mailbox.ID).
				First(&existing).Error
			if err == nil {
				duplicate = true
				conv = &models.Conversation{}
				return tx.First(conv, existing.ConversationID).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to check message id: %w", err)
			}
		}

		first, last := splitName(msg.FromName)
		customer, err := findOrCreateCustomer(tx, msg.FromEmail, first, last)
		if err != nil {
			return err
		}

		if conv, err = findRepliedConversation(tx, mailbox.ID, msg); err != nil {
			return err
		}
		if conv == nil {
			conv = &models.Conversation{
				MailboxID:           mailbox.ID,
				Subject:             strings.TrimSpace(msg.Subject),
				Status:              models.ConversationStatusActive,
				State:               models.ConversationStatePublished,
				CustomerID:          customer.ID,
				CustomerEmail:       customer.Email,
				SourceVia:           models.SourceViaCustomer,
				SourceType:          models.SourceTypeEmail,
				CreatedByCustomerID: &customer.ID,
			}
			folder, err := models.FindFolder(tx, mailbox.ID, models.FolderTypeUnassigned)
			if err != nil {
				return err
			}
			conv.FolderID = folder.ID
			if err := tx.Omit(clause.Associations).Create(conv).Error; err != nil {
				return fmt.Errorf("failed to create conversation: %w", err)
			}
			conv.Number = conv.ID
		}

		thread := &models.Thread{
			ConversationID: conv.ID,
			UserID:         conv.UserID,
			Type:           models.ThreadTypeCustomer,
			Status:         models.ThreadStatusActive,
			State:          models.ThreadStatePublished,
			Body:           msg.Body,
			To:             models.NormalizeAddresses(msg.To),
			Cc:             models.NormalizeAddresses(msg.Cc),
			SourceVia:      models.SourceViaCustomer,
			SourceType:     models.SourceTypeEmail,
			CustomerID:     customer.ID,
			CreatedBy:      customer.ID,
			MessageID:      msg.MessageID,
			SendStatus:     models.SendStatusToSend,
		}
		if !msg.ReceivedAt.IsZero() {
			thread.CreatedAt = msg.ReceivedAt
		}
		if err := tx.Create(thread).Error; err != nil {
			return fmt.Errorf("failed to create customer thread: %w", err)
		}
		return s.recompute(tx, conv)
	})
	if err != nil {
		return nil, err
	}

	if !duplicate {
		s.notify(conv)
	}
	return conv, nil
}

// ClaimNextOutbound moves the oldest queued reply to sending and returns it,
// or nil when the queue is empty.
func (s *ConversationService) ClaimNextOutbound(ctx context.Context) (*Outbound, error) {
	var out *Outbound
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("type = ? AND state = ? AND send_status = ?", models.ThreadTypeMessage, models.ThreadStatePublished, models.SendStatusToSend).
			Order("id").
			First(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim thread: %w", err)
		}

		if err := thread.SetSendStatus(models.SendStatusSending, ""); err != nil {
			return err
		}
		if err := tx.Save(&thread).Error; err != nil {
			return fmt.Errorf("failed to mark thread sending: %w", err)
		}

		var conv models.Conversation
		err = tx.Preload("Threads", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
			Preload("Customer").
			First(&conv, thread.ConversationID).Error
		if err != nil {
			return notFound(err, "conversation", thread.ConversationID)
		}
		var mailbox models.Mailbox
		if err := tx.First(&mailbox, conv.MailboxID).Error; err != nil {
			return notFound(err, "mailbox", conv.MailboxID)
		}
		out = &Outbound{Thread: &thread, Conversation: &conv, Mailbox: &mailbox, Customer: conv.Customer}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteOutbound records the delivery outcome of a claimed reply.
func (s *ConversationService) CompleteOutbound(ctx context.Context, threadID uint, messageID string, sendErr error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		if err := forUpdate(tx).First(&thread, threadID).Error; err != nil {
			return notFound(err, "thread", threadID)
		}
		if sendErr != nil {
			if err := thread.SetSendStatus(models.SendStatusFailed, sendErr.Error()); err != nil {
				return err
			}
		} else {
			if err := thread.SetSendStatus(models.SendStatusSent, ""); err != nil {
				return err
			}
			thread.MessageID = messageID
		}
		return tx.Save(&thread).Error
	})
}

// FailStaleSending fails replies left in sending for longer than olderThan,
// which happens when a worker dies between claiming and recording the
// outcome. It returns how many were moved.
func (s *ConversationService) FailStaleSending(ctx context.Context, olderThan time.Duration) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Thread{}).
		Where("type = ? AND send_status = ? AND updated_at < ?", models.ThreadTypeMessage, models.SendStatusSending, time.Now().Add(-olderThan)).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stale sends: %w", err)
	}

	moved := 0
	for _, id := range ids {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var thread models.Thread
			if err := forUpdate(tx).First(&thread, id).Error; err != nil {
				return notFound(err, "thread", id)
			}
			if thread.SendStatus != models.SendStatusSending {
				return nil
			}
			if err := thread.SetSendStatus(models.SendStatusFailed, staleSendText); err != nil {
				return err
			}
			moved++
			return tx.Save(&thread).Error
		})
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func (s *ConversationService) lockConversation(tx *gorm.DB, actor *models.User, action policy.Action, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := forUpdate(tx).First(&conv, id).Error; err != nil {
		return nil, notFound(err, "conversation", id)
	}
	if err := policy.Authorize(policy.Conversation(actor, action, &conv), action, "conversation"); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *ConversationService) lockThread(tx *gorm.DB, actor *models.User, threadID uint) (*models.Conversation, *models.Thread, error) {
	var thread models.Thread
	if err := tx.First(&thread, threadID).Error; err != nil {
		return nil, nil, notFound(err, "thread", threadID)
	}
	conv, err := s.lockConversation(tx, actor, policy.ActionUpdate, thread.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if err := forUpdate(tx).First(&thread, threadID).Error; err != nil {
		return nil, nil, notFound(err, "thread", threadID)
	}
	return conv, &thread, nil
}

func (s *ConversationService) lineItem(conv *models.Conversation, actor *models.User, status models.ThreadStatus) *models.Thread {
	return &models.Thread{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Type:           models.ThreadTypeLineItem,
		Status:         status,
		State:          models.ThreadStatePublished,
		SourceVia:      models.SourceViaUser,
		SourceType:     models.SourceTypeWeb,
		CustomerID:     conv.CustomerID,
		CreatedBy:      actor.ID,
		SendStatus:     models.SendStatusToSend,
	}
}

// recompute reloads the threads, refreshes derived fields and files the
// conversation in the right folder.
func (s *ConversationService) recompute(tx *gorm.DB, conv *models.Conversation) error {
	var threads []models.Thread
	if err := tx.Where("conversation_id = ?", conv.ID).Order("id").Find(&threads).Error; err != nil {
		return fmt.Errorf("failed to load threads: %w", err)
	}
	conv.Threads = threads
	conv.Refresh(utils.PreviewText)

	folder, err := models.FindFolder(tx, conv.MailboxID, models.FolderTypeFor(conv))
	if err != nil {
		return err
	}
	conv.FolderID = folder.ID
	if err := tx.Omit(clause.Associations).Save(conv).Error; err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *ConversationService) notify(conv *models.Conversation) {
	s.publisher.Publish(realtime.Event{Type: realtime.EventFolders, MailboxID: conv.MailboxID, ConversationID: conv.ID})
}

func checkAssignee(tx *gorm.DB, mailboxID, userID uint, verr *models.ValidationError) error {
	var count int64
	err := tx.Table("mailbox_user").Where("mailbox_id = ? AND user_id = ?", mailboxID, userID).Count(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check assignee: %w", err)
	}
	if count == 0 {
		var admin int64
		if err := tx.Model(&models.User{}).Where("id = ? AND role = ?", userID, models.RoleAdmin).Count(&admin).Error; err != nil {
			return fmt.Errorf("failed to check assignee: %w", err)
		}
		if admin == 0 {
			verr.Add("user_id", "exists")
		}
	}
	return nil
}

func findRepliedConversation(tx *gorm.DB, mailboxID uint, msg IncomingMessage) (*models.Conversation, error) {
	refs := make([]string, 0, len(msg.References)+1)
	if msg.InReplyTo != "" {
		refs = append(refs, msg.InReplyTo)
	}
	refs = append(refs, msg.References...)
	if len(refs) == 0 {
		return nil, nil
	}

	var thread models.Thread
	err := tx.Joins("JOIN conversations ON conversations.id = threads.conversation_id").
		Where("threads.message_id IN ? AND conversations.mailbox_id = ?", refs, mailboxID).
		Order("threads.id DESC").
		First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match reply: %w", err)
	}

	var conv models.Conversation
	if err := forUpdate(tx).First(&conv, thread.ConversationID).Error; err != nil {
		return nil, notFound(err, "conversation", thread.ConversationID)
	}
	return &conv, nil
}
