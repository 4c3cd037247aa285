package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"helpdesk/models"
	"helpdesk/policy"
	"helpdesk/utils"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	defaultPageSize = 50
)

type CreateMailboxInput struct {
	Email   string `json:"email" validate:"required,max=128,mailformat"`
	Name    string `json:"name" validate:"required,max=40"`
	Ratings bool   `json:"ratings"`
	UserIDs []uint `json:"users"`
}

type UpdateMailboxInput struct {
	Email     string `json:"email" validate:"required,max=128,mailformat"`
	Name      string `json:"name" validate:"required,max=40"`
	Ratings   bool   `json:"ratings"`
	Signature string `json:"signature"`
}

// ConnectionInput holds either the incoming or the outgoing settings. An empty
// password keeps the stored one.
type ConnectionInput struct {
	Method     string `json:"method" validate:"omitempty,oneof=mail smtp"`
	Server     string `json:"server" validate:"max=255"`
	Port       int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" validate:"max=100"`
	Password   string `json:"password" validate:"max=255"`
	Encryption string `json:"encryption" validate:"omitempty,oneof=none SSL TLS STARTTLS"`
	Folder     string `json:"folder" validate:"max=100"`
}

type ViewOptions struct {
	FolderID uint
	Page     int
	Limit    int
}

// MailboxView is a mailbox page: navigation folders, the open folder and its
// conversations.
type MailboxView struct {
	Mailbox       *models.Mailbox       `json:"mailbox"`
	Folders       []models.Folder       `json:"folders"`
	Folder        *models.Folder        `json:"folder"`
	Conversations []models.Conversation `json:"conversations"`
	Total         int64                 `json:"total"`
	Page          int                   `json:"page"`
	Limit         int                   `json:"limit"`
}

type MailboxService struct {
	db      *gorm.DB
	counter *FolderCounter
	logger  *logrus.Entry
}

func NewMailboxService(db *gorm.DB, logger *logrus.Entry) *MailboxService {
	return &MailboxService{db: db, counter: NewFolderCounter(db), logger: logger}
}

// Create makes the mailbox with its public folders and grants it to the
// listed users and the creator.
func (s *MailboxService) Create(ctx context.Context, actor *models.User, in CreateMailboxInput) (*models.Mailbox, error) {
	if err := policy.Authorize(policy.Mailbox(actor, policy.ActionCreate, nil), policy.ActionCreate, "mailbox"); err != nil {
		return nil, err
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	userIDs := utils.UniqueUints(append(in.UserIDs, actor.ID))

	verr := models.NewValidationError()
	if err := utils.ValidateStruct(in); err != nil {
		if !errors.As(err, &verr) {
			return nil, err
		}
	}

	mailbox := &models.Mailbox{Name: in.Name, Email: in.Email, Ratings: in.Ratings, OutMethod: models.OutMethodPHPMail}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkMailboxEmail(tx, in.Email, 0, verr); err != nil {
			return err
		}
		var users []models.User
		if err := tx.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return fmt.Errorf("failed to load users: %w", err)
		}
		if len(users) != len(userIDs) {
			verr.Add("users", "exists")
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		if err := tx.Create(mailbox).Error; err != nil {
			return fmt.Errorf("failed to create mailbox: %w", err)
		}
		if err := models.EnsureMailboxFolders(tx, mailbox.ID); err != nil {
			return err
		}
		if err := tx.Model(mailbox).Association("Users").Append(&users); err != nil {
			return fmt.Errorf("failed to grant mailbox: %w", err)
		}
		for _, u := range users {
			if err := models.EnsurePersonalFolders(tx, u.ID, mailbox.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"mailbox_id": mailbox.ID, "by": actor.ID}).Info("Mailbox created")
	mailbox.Users = nil
	return mailbox, nil
}

func (s *MailboxService) List(ctx context.Context, actor *models.User) ([]models.Mailbox, error) {
	if actor == nil {
		return nil, &models.AuthorizationError{Action: string(policy.ActionView), Resource: "mailboxes"}
	}
	q := s.db.WithContext(ctx).Order("name")
	if !actor.IsAdmin() {
		q = q.Joins("JOIN mailbox_user ON mailbox_user.mailbox_id = mailboxes.id").
			Where("mailbox_user.user_id = ?", actor.ID)
	}

	var mailboxes []models.Mailbox
	if err := q.Find(&mailboxes).Error; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	for i := range mailboxes {
		mailboxes[i].Sanitize()
	}
	return mailboxes, nil
}

func (s *MailboxService) Get(ctx context.Context, actor *models.User, id uint) (*models.Mailbox, error) {
	mailbox, err := s.authorized(s.db.WithContext(ctx), actor, policy.ActionView, id)
	if err != nil {
		return nil, err
	}
	mailbox.Sanitize()
	return mailbox, nil
}

func (s *MailboxService) Update(ctx context.Context, actor *models.User, id uint, in UpdateMailboxInput) (*models.Mailbox, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)

	var mailbox *models.Mailbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if mailbox, err = s.authorized(forUpdate(tx), actor, policy.ActionUpdate, id); err != nil {
			return err
		}

		verr := models.NewValidationError()
		if err := utils.ValidateStruct(in); err != nil {
			if !errors.As(err, &verr) {
				return err
			}
		}
		if err := checkMailboxEmail(tx, in.Email, id, verr); err != nil {
			return err
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		mailbox.Name = in.Name
		mailbox.Email = in.Email
		mailbox.Ratings = in.Ratings
		mailbox.Signature = in.Signature
		return tx.Save(mailbox).Error
	})
	if err != nil {
		return nil, err
	}
	mailbox.Sanitize()
	return mailbox, nil
}

// UpdateConnection saves the incoming (IMAP) or outgoing settings.
func (s *MailboxService) UpdateConnection(ctx context.Context, actor *models.User, id uint, direction string, in ConnectionInput) (*models.Mailbox, error) {
	if direction != DirectionIncoming && direction != DirectionOutgoing {
		verr := models.NewValidationError()
		verr.Add("direction", "in")
		return nil, verr
	}
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}

	var mailbox *models.Mailbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if mailbox, err = s.authorized(forUpdate(tx), actor, policy.ActionUpdate, id); err != nil {
			return err
		}

		password := ""
		if in.Password != "" {
			if password, err = utils.Encrypt(in.Password); err != nil {
				return fmt.Errorf("failed to encrypt password: %w", err)
			}
		}

		if direction == DirectionIncoming {
			mailbox.InServer = in.Server
			mailbox.InPort = in.Port
			mailbox.InUsername = in.Username
			mailbox.InEncryption = in.Encryption
			if in.Folder != "" {
				mailbox.InFolder = in.Folder
			}
			if password != "" {
				mailbox.InPassword = password
			}
		} else {
			if in.Method != "" {
				mailbox.OutMethod = in.Method
			}
			mailbox.OutServer = in.Server
			mailbox.OutPort = in.Port
			mailbox.OutUsername = in.Username
			mailbox.OutEncryption = in.Encryption
			if password != "" {
				mailbox.OutPassword = password
			}
		}
		return tx.Save(mailbox).Error
	})
	if err != nil {
		return nil, err
	}
	mailbox.Sanitize()
	return mailbox, nil
}

func (s *MailboxService) Delete(ctx context.Context, actor *models.User, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mailbox, err := s.authorized(forUpdate(tx), actor, policy.ActionDelete, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(mailbox).Error; err != nil {
			return fmt.Errorf("failed to delete mailbox: %w", err)
		}
		s.logger.WithFields(logrus.Fields{"mailbox_id": id, "by": actor.ID}).Info("Mailbox deleted")
		return nil
	})
}

// SyncUsers replaces the set of users with access to the mailbox.
func (s *MailboxService) SyncUsers(ctx context.Context, actor *models.User, id uint, userIDs []uint) ([]uint, error) {
	userIDs = utils.UniqueUints(userIDs)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mailbox, err := s.authorized(forUpdate(tx), actor, policy.ActionUpdate, id)
		if err != nil {
			return err
		}

		var users []models.User
		if len(userIDs) > 0 {
			if err := tx.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
				return fmt.Errorf("failed to load users: %w", err)
			}
		}
		if len(users) != len(userIDs) {
			verr := models.NewValidationError()
			verr.Add("users", "exists")
			return verr
		}

		assoc := tx.Model(mailbox).Association("Users")
		if len(users) == 0 {
			err = assoc.Clear()
		} else {
			err = assoc.Replace(&users)
		}
		if err != nil {
			return fmt.Errorf("failed to replace mailbox users: %w", err)
		}
		for _, u := range users {
			if err := models.EnsurePersonalFolders(tx, u.ID, mailbox.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// View assembles the mailbox page for the actor. Without a folder the
// unassigned folder is opened.
func (s *MailboxService) View(ctx context.Context, actor *models.User, id uint, opts ViewOptions) (*MailboxView, error) {
	db := s.db.WithContext(ctx)
	mailbox, err := s.authorized(db, actor, policy.ActionView, id)
	if err != nil {
		return nil, err
	}
	mailbox.Sanitize()

	var folders []models.Folder
	if err := db.Where("mailbox_id = ? AND (user_id IS NULL OR user_id = ?)", id, actor.ID).
		Order("type").Find(&folders).Error; err != nil {
		return nil, fmt.Errorf("failed to load folders: %w", err)
	}
	if err := s.counter.CountsForFolders(ctx, folders); err != nil {
		return nil, err
	}

	view := &MailboxView{Mailbox: mailbox, Page: opts.Page, Limit: opts.Limit}
	for i := range folders {
		f := folders[i]
		if opts.FolderID != 0 && f.ID == opts.FolderID || opts.FolderID == 0 && f.Type == models.FolderTypeUnassigned {
			view.Folder = &f
		}
		if f.VisibleInNavigation() {
			view.Folders = append(view.Folders, f)
		}
	}
	if view.Folder == nil {
		return nil, &models.NotFoundError{Resource: "folder", ID: opts.FolderID}
	}

	if view.Limit <= 0 || view.Limit > 200 {
		view.Limit = defaultPageSize
	}
	if view.Page < 1 {
		view.Page = 1
	}

	q := scopeToFolder(db.Model(&models.Conversation{}), view.Folder)
	if err := q.Count(&view.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	err = scopeToFolder(db.Model(&models.Conversation{}), view.Folder).
		Preload("Customer").
		Order("last_reply_at DESC, id DESC").
		Offset((view.Page - 1) * view.Limit).
		Limit(view.Limit).
		Find(&view.Conversations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return view, nil
}

func (s *MailboxService) authorized(tx *gorm.DB, actor *models.User, action policy.Action, id uint) (*models.Mailbox, error) {
	var mailbox models.Mailbox
	if err := tx.First(&mailbox, id).Error; err != nil {
		return nil, notFound(err, "mailbox", id)
	}
	if err := policy.Authorize(policy.Mailbox(actor, action, &mailbox), action, "mailbox"); err != nil {
		return nil, err
	}
	return &mailbox, nil
}

func checkMailboxEmail(tx *gorm.DB, email string, exceptID uint, verr *models.ValidationError) error {
	if _, failed := verr.Fields["email"]; failed {
		return nil
	}
	var count int64
	q := tx.Unscoped().Model(&models.Mailbox{}).Where("email = ?", email)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check mailbox email: %w", err)
	}
	if count > 0 {
		verr.Add("email", "unique")
	}
	return nil
}

// MailboxPermissions is the data behind the mailbox permissions page.
type MailboxPermissions struct {
	Mailbox *models.Mailbox `json:"mailbox"`
	Users   []models.User   `json:"users"`
	Granted []uint          `json:"granted"`
}

// Permissions lists every user next to the ids granted this mailbox.
func (s *MailboxService) Permissions(ctx context.Context, actor *models.User, id uint) (*MailboxPermissions, error) {
	db := s.db.WithContext(ctx)
	mailbox, err := s.authorized(db, actor, policy.ActionUpdate, id)
	if err != nil {
		return nil, err
	}
	mailbox.Sanitize()

	var users []models.User
	if err := db.Order("first_name, last_name").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	var granted []uint
	if err := db.Table("mailbox_user").Where("mailbox_id = ?", id).Order("user_id").Pluck("user_id", &granted).Error; err != nil {
		return nil, fmt.Errorf("failed to load mailbox users: %w", err)
	}
	return &MailboxPermissions{Mailbox: mailbox, Users: users, Granted: granted}, nil
}
