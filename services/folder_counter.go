package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"helpdesk/models"
)

// FolderCounter derives folder counts from the live thread set.
type FolderCounter struct {
	db *gorm.DB
}

func NewFolderCounter(db *gorm.DB) *FolderCounter {
	return &FolderCounter{db: db}
}

type folderCounts struct {
	Total  int64
	Active int64
}

// Counts fills ActiveCount and TotalCount. Active threads of closed
// conversations are not active.
func (fc *FolderCounter) Counts(ctx context.Context, folder *models.Folder) error {
	return countFolder(fc.db.WithContext(ctx), folder)
}

func (fc *FolderCounter) CountsForFolders(ctx context.Context, folders []models.Folder) error {
	db := fc.db.WithContext(ctx)
	for i := range folders {
		if err := countFolder(db, &folders[i]); err != nil {
			return err
		}
	}
	return nil
}

func countFolder(tx *gorm.DB, folder *models.Folder) error {
	var counts folderCounts
	err := scopeToFolder(
		tx.Model(&models.Thread{}).
			Joins("JOIN conversations ON conversations.id = threads.conversation_id AND conversations.deleted_at IS NULL"),
		folder,
	).Select(
		"COUNT(*) AS total, COALESCE(SUM(CASE WHEN threads.status = ? AND conversations.status <> ? THEN 1 ELSE 0 END), 0) AS active",
		models.ThreadStatusActive, models.ConversationStatusClosed,
	).Scan(&counts).Error
	if err != nil {
		return fmt.Errorf("failed to count folder %d: %w", folder.ID, err)
	}
	folder.TotalCount = counts.Total
	folder.ActiveCount = counts.Active
	return nil
}

// scopeToFolder restricts a query joined on conversations to the folder's
// conversations.
func scopeToFolder(q *gorm.DB, folder *models.Folder) *gorm.DB {
	switch folder.Type {
	case models.FolderTypeMine:
		var owner uint
		if folder.UserID != nil {
			owner = *folder.UserID
		}
		return q.Where("conversations.mailbox_id = ? AND conversations.user_id = ? AND conversations.state = ? AND conversations.status IN ?",
			folder.MailboxID, owner, models.ConversationStatePublished,
			[]models.ConversationStatus{models.ConversationStatusActive, models.ConversationStatusPending})
	case models.FolderTypeStarred:
		return q.Where("conversations.id IN (?)",
			q.Session(&gorm.Session{NewDB: true}).Model(&models.ConversationFolder{}).
				Select("conversation_id").Where("folder_id = ?", folder.ID))
	default:
		return q.Where("conversations.folder_id = ?", folder.ID)
	}
}
