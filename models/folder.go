package models

import "gorm.io/gorm"

// FolderType identifies the view a folder provides over a mailbox.
type FolderType uint8

const (
	FolderTypeUnassigned FolderType = 1
	FolderTypeMine       FolderType = 20
	FolderTypeStarred    FolderType = 25
	FolderTypeDrafts     FolderType = 30
	FolderTypeAssigned   FolderType = 40
	FolderTypeClosed     FolderType = 60
	FolderTypeSpam       FolderType = 70
	FolderTypeDeleted    FolderType = 80
)

// PublicFolderTypes are created once per mailbox.
var PublicFolderTypes = []FolderType{
	FolderTypeUnassigned,
	FolderTypeDrafts,
	FolderTypeAssigned,
	FolderTypeClosed,
	FolderTypeSpam,
	FolderTypeDeleted,
}

// PersonalFolderTypes are created per user for every granted mailbox.
var PersonalFolderTypes = []FolderType{
	FolderTypeMine,
	FolderTypeStarred,
}

var folderTypeNames = map[FolderType]string{
	FolderTypeUnassigned: "Unassigned",
	FolderTypeMine:       "Mine",
	FolderTypeStarred:    "Starred",
	FolderTypeDrafts:     "Drafts",
	FolderTypeAssigned:   "Assigned",
	FolderTypeClosed:     "Closed",
	FolderTypeSpam:       "Spam",
	FolderTypeDeleted:    "Deleted",
}

var folderTypeIcons = map[FolderType]string{
	FolderTypeUnassigned: "folder-open",
	FolderTypeMine:       "hand-right",
	FolderTypeStarred:    "star",
	FolderTypeDrafts:     "duplicate",
	FolderTypeAssigned:   "user",
	FolderTypeClosed:     "lock",
	FolderTypeSpam:       "ban-circle",
	FolderTypeDeleted:    "trash",
}

func (t FolderType) Name() string {
	if name, ok := folderTypeNames[t]; ok {
		return name
	}
	return "Folder"
}

func (t FolderType) Icon() string {
	if icon, ok := folderTypeIcons[t]; ok {
		return icon
	}
	return "folder-close"
}

func (t FolderType) Personal() bool {
	return t == FolderTypeMine || t == FolderTypeStarred
}

// Folder belongs to exactly one mailbox. Personal folders also carry UserID.
type Folder struct {
	gorm.Model
	MailboxID uint       `gorm:"not null;index;uniqueIndex:idx_folder_scope" json:"mailbox_id"`
	UserID    *uint      `gorm:"index;uniqueIndex:idx_folder_scope" json:"user_id,omitempty"`
	Type      FolderType `gorm:"not null;uniqueIndex:idx_folder_scope" json:"type"`

	// Derived from the live thread set, never persisted
	ActiveCount int64 `gorm:"-" json:"active_count"`
	TotalCount  int64 `gorm:"-" json:"total_count"`
}

// VisibleInNavigation hides the deleted folder until it holds something.
func (f *Folder) VisibleInNavigation() bool {
	if f.Type == FolderTypeDeleted {
		return f.TotalCount > 0
	}
	return true
}
