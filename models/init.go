package models

import (
	"fmt"

	"gorm.io/gorm"
)

// All lists every model in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Mailbox{},
		&Folder{},
		&Customer{},
		&Conversation{},
		&Thread{},
		&SavedReply{},
		&ConversationFolder{},
	}
}

// EnsureMailboxFolders creates the public folders of a mailbox if missing.
func EnsureMailboxFolders(tx *gorm.DB, mailboxID uint) error {
	for _, folderType := range PublicFolderTypes {
		folder := Folder{MailboxID: mailboxID, Type: folderType}
		if err := tx.Where("mailbox_id = ? AND type = ? AND user_id IS NULL", mailboxID, folderType).
			FirstOrCreate(&folder).Error; err != nil {
			return fmt.Errorf("failed to create %s folder: %w", folderType.Name(), err)
		}
	}
	return nil
}

// EnsurePersonalFolders creates a user's personal folders in a mailbox if missing.
func EnsurePersonalFolders(tx *gorm.DB, userID, mailboxID uint) error {
	for _, folderType := range PersonalFolderTypes {
		uid := userID
		folder := Folder{MailboxID: mailboxID, UserID: &uid, Type: folderType}
		if err := tx.Where("mailbox_id = ? AND type = ? AND user_id = ?", mailboxID, folderType, userID).
			FirstOrCreate(&folder).Error; err != nil {
			return fmt.Errorf("failed to create %s folder: %w", folderType.Name(), err)
		}
	}
	return nil
}

// FindFolder returns the public folder of the given type in a mailbox.
func FindFolder(tx *gorm.DB, mailboxID uint, folderType FolderType) (*Folder, error) {
	var folder Folder
	if err := tx.Where("mailbox_id = ? AND type = ? AND user_id IS NULL", mailboxID, folderType).
		First(&folder).Error; err != nil {
		return nil, fmt.Errorf("failed to find %s folder of mailbox %d: %w", folderType.Name(), mailboxID, err)
	}
	return &folder, nil
}
