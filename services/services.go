// Package services holds the transactional workflows behind the HTTP handlers.
// Every mutating call runs in one gorm transaction; the actor is always
// passed in explicitly.
package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"helpdesk/models"
	"helpdesk/realtime"
)

// Notifier delivers invites and outbound replies.
type Notifier interface {
	SendInvite(ctx context.Context, user *models.User, token string) error
	SendThread(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, thread *models.Thread, customer *models.Customer) (string, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.Event) {}

func publisherOrNop(p realtime.Publisher) realtime.Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// notFound maps gorm's record-not-found to a NotFoundError.
func notFound(err error, resource string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.NotFoundError{Resource: resource, ID: id}
	}
	return fmt.Errorf("failed to load %s %d: %w", resource, id, err)
}
