package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"helpdesk/models"
	"helpdesk/policy"
	"helpdesk/utils"
)

// ErrInvalidCredentials is returned by Authenticate for any login failure.
var ErrInvalidCredentials = errors.New("invalid email or password")

type CreateUserInput struct {
	FirstName  string `json:"first_name" validate:"required,max=20"`
	LastName   string `json:"last_name" validate:"required,max=30"`
	Email      string `json:"email" validate:"required,max=100,mailformat"`
	Role       string `json:"role" validate:"required,role"`
	Password   string `json:"password" validate:"omitempty,min=8,max=72"`
	SendInvite bool   `json:"send_invite"`
	MailboxIDs []uint `json:"mailboxes"`
}

func (in *CreateUserInput) normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Role = strings.TrimSpace(in.Role)
	in.MailboxIDs = utils.UniqueUints(in.MailboxIDs)
}

type ProfileInput struct {
	FirstName         string `json:"first_name" validate:"required,max=20"`
	LastName          string `json:"last_name" validate:"required,max=30"`
	Email             string `json:"email" validate:"required,max=100,mailformat"`
	Emails            string `json:"emails" validate:"max=100"`
	JobTitle          string `json:"job_title" validate:"max=100"`
	Phone             string `json:"phone" validate:"max=60"`
	Timezone          string `json:"timezone" validate:"required"`
	TimeFormat        int    `json:"time_format" validate:"required,oneof=12 24"`
	Role              string `json:"role" validate:"omitempty,role"`
	EnableKbShortcuts bool   `json:"enable_kb_shortcuts"`
}

// Permissions is the data behind the user permissions page.
type Permissions struct {
	User      *models.User     `json:"user"`
	Mailboxes []models.Mailbox `json:"mailboxes"`
	Granted   []uint           `json:"granted"`
}

type UserService struct {
	db       *gorm.DB
	notifier Notifier
	logger   *logrus.Entry
}

func NewUserService(db *gorm.DB, notifier Notifier, logger *logrus.Entry) *UserService {
	return &UserService{db: db, notifier: notifier, logger: logger}
}

// List returns every user. Any signed-in user may see the team.
func (s *UserService) List(ctx context.Context, actor *models.User) ([]models.User, error) {
	if actor == nil {
		return nil, &models.AuthorizationError{Action: string(policy.ActionView), Resource: "users"}
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Order("first_name, last_name").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *UserService) Get(ctx context.Context, actor *models.User, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Preload("Mailboxes").First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	if err := policy.Authorize(policy.User(actor, policy.ActionView, &user), policy.ActionView, "user"); err != nil {
		return nil, err
	}
	return &user, nil
}

// Create provisions a user, grants the requested mailboxes and, when asked,
// issues an invite instead of taking a password. Nothing is written when
// validation fails.
func (s *UserService) Create(ctx context.Context, actor *models.User, in CreateUserInput) (*models.User, error) {
	if err := policy.Authorize(policy.User(actor, policy.ActionCreate, nil), policy.ActionCreate, "user"); err != nil {
		return nil, err
	}
	in.normalize()

	verr := models.NewValidationError()
	if err := utils.ValidateStruct(in); err != nil {
		if !errors.As(err, &verr) {
			return nil, err
		}
	}
	if in.Password == "" && !in.SendInvite {
		verr.Add("password", "required")
	}

	user := &models.User{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Email:       in.Email,
		Role:        models.Role(in.Role),
		InviteState: models.InviteStateActivated,
		Timezone:    "UTC",
		TimeFormat:  models.TimeFormat12,
	}

	var inviteToken string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, failed := verr.Fields["email"]; !failed {
			taken, err := emailTaken(tx, in.Email, 0)
			if err != nil {
				return err
			}
			if taken {
				verr.Add("email", "unique")
			}
		}
		if err := checkMailboxesExist(tx, in.MailboxIDs, verr); err != nil {
			return err
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		if in.SendInvite {
			token, err := utils.GenerateSecureToken()
			if err != nil {
				return fmt.Errorf("failed to generate invite token: %w", err)
			}
			inviteToken = token
			user.InviteTokenHash = utils.HashToken(token)
			user.InviteState = models.InviteStateSent
		} else {
			hash, err := hashPassword(in.Password)
			if err != nil {
				return err
			}
			user.PasswordHash = hash
		}

		if err := tx.Create(user).Error; err != nil {
			return emailConflict(err, "failed to create user")
		}
		return syncGrants(tx, user, in.MailboxIDs)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "by": actor.ID}).Info("User created")

	if inviteToken != "" && s.notifier != nil {
		if err := s.notifier.SendInvite(ctx, user, inviteToken); err != nil {
			utils.LogError("invite_delivery", err, map[string]interface{}{"user_id": user.ID})
		}
	}
	return user, nil
}

// UpdateProfile saves the profile form. Only admins may change roles.
func (s *UserService) UpdateProfile(ctx context.Context, actor *models.User, id uint, in ProfileInput) (*models.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&user, id).Error; err != nil {
			return notFound(err, "user", id)
		}
		if err := policy.Authorize(policy.User(actor, policy.ActionUpdate, &user), policy.ActionUpdate, "user"); err != nil {
			return err
		}
		if in.Role != "" && models.Role(in.Role) != user.Role && !actor.IsAdmin() {
			return &models.AuthorizationError{Action: string(policy.ActionUpdate), Resource: "role"}
		}

		verr := models.NewValidationError()
		if err := utils.ValidateStruct(in); err != nil {
			if !errors.As(err, &verr) {
				return err
			}
		}
		if _, failed := verr.Fields["timezone"]; !failed {
			if _, err := time.LoadLocation(in.Timezone); err != nil {
				verr.Add("timezone", "timezone")
			}
		}
		if _, failed := verr.Fields["email"]; !failed {
			taken, err := emailTaken(tx, in.Email, user.ID)
			if err != nil {
				return err
			}
			if taken {
				verr.Add("email", "unique")
			}
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		user.FirstName = in.FirstName
		user.LastName = in.LastName
		user.Email = in.Email
		user.Emails = in.Emails
		user.JobTitle = in.JobTitle
		user.Phone = in.Phone
		user.Timezone = in.Timezone
		user.TimeFormat = in.TimeFormat
		user.EnableKbShortcuts = in.EnableKbShortcuts
		if in.Role != "" {
			user.Role = models.Role(in.Role)
		}
		if err := tx.Save(&user).Error; err != nil {
			return emailConflict(err, "failed to save user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserService) Permissions(ctx context.Context, actor *models.User, id uint) (*Permissions, error) {
	if err := policy.Authorize(policy.Mailbox(actor, policy.ActionUpdate, nil), policy.ActionUpdate, "permissions"); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.Preload("Mailboxes").First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	var mailboxes []models.Mailbox
	if err := db.Order("name").Find(&mailboxes).Error; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	for i := range mailboxes {
		mailboxes[i].Sanitize()
	}
	return &Permissions{User: &user, Mailboxes: mailboxes, Granted: user.MailboxIDs()}, nil
}

// SyncMailboxGrants replaces the user's grant set with exactly mailboxIDs.
func (s *UserService) SyncMailboxGrants(ctx context.Context, actor *models.User, userID uint, mailboxIDs []uint) (*models.User, error) {
	if err := policy.Authorize(policy.Mailbox(actor, policy.ActionUpdate, nil), policy.ActionUpdate, "permissions"); err != nil {
		return nil, err
	}
	mailboxIDs = utils.UniqueUints(mailboxIDs)

	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&user, userID).Error; err != nil {
			return notFound(err, "user", userID)
		}
		verr := models.NewValidationError()
		if err := checkMailboxesExist(tx, mailboxIDs, verr); err != nil {
			return err
		}
		if err := verr.OrNil(); err != nil {
			return err
		}
		return syncGrants(tx, &user, mailboxIDs)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "mailboxes": mailboxIDs}).Info("Mailbox grants synced")
	return &user, nil
}

// Authenticate checks a password login.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Mailboxes").
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.PasswordHash == "" || user.InviteState != models.InviteStateActivated {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

type AcceptInviteInput struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// AcceptInvite sets the password of an invited user and activates them.
func (s *UserService) AcceptInvite(ctx context.Context, in AcceptInviteInput) (*models.User, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}

	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := forUpdate(tx).
			Where("invite_token_hash = ? AND invite_state = ?", utils.HashToken(in.Token), models.InviteStateSent).
			First(&user).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				verr := models.NewValidationError()
				verr.Add("token", "invalid")
				return verr
			}
			return fmt.Errorf("failed to load invite: %w", err)
		}

		hash, err := hashPassword(in.Password)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		user.InviteTokenHash = ""
		user.InviteState = models.InviteStateActivated
		user.TokenVersion++
		return tx.Save(&user).Error
	})
	if err != nil {
		return nil, err
	}

	utils.LogEvent("invite_accepted", map[string]interface{}{"user_id": user.ID})
	return &user, nil
}

func emailTaken(tx *gorm.DB, email string, exceptID uint) (bool, error) {
	var count int64
	q := tx.Unscoped().Model(&models.User{}).Where("email = ?", email)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return count > 0, nil
}

// hashPassword bcrypts password. bcrypt takes at most 72 bytes, which the
// max=72 rule only bounds in characters.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		verr := models.NewValidationError()
		verr.Add("password", "max:72")
		return "", verr
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// emailConflict reports a unique violation that slipped past emailTaken, as
// happens when two requests use the same address at once, as a validation
// error on email.
func emailConflict(err error, msg string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		verr := models.NewValidationError()
		verr.Add("email", "unique")
		return verr
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func checkMailboxesExist(tx *gorm.DB, ids []uint, verr *models.ValidationError) error {
	if len(ids) == 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&models.Mailbox{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check mailboxes: %w", err)
	}
	if count != int64(len(ids)) {
		verr.Add("mailboxes", "exists")
	}
	return nil
}

// syncGrants replaces user's mailboxes and makes sure the personal folders of
// every granted mailbox exist. Folders of revoked mailboxes stay in place.
func syncGrants(tx *gorm.DB, user *models.User, mailboxIDs []uint) error {
	var mailboxes []models.Mailbox
	if len(mailboxIDs) > 0 {
		if err := tx.Where("id IN ?", mailboxIDs).Find(&mailboxes).Error; err != nil {
			return fmt.Errorf("failed to load mailboxes: %w", err)
		}
		if len(mailboxes) != len(mailboxIDs) {
			return &models.ConsistencyError{Reason: fmt.Sprintf("grant sync for user %d found %d of %d mailboxes", user.ID, len(mailboxes), len(mailboxIDs))}
		}
	}

	assoc := tx.Model(user).Association("Mailboxes")
	var err error
	if len(mailboxes) == 0 {
		err = assoc.Clear()
	} else {
		err = assoc.Replace(&mailboxes)
	}
	if err != nil {
		return fmt.Errorf("failed to replace mailbox grants: %w", err)
	}

	for _, m := range mailboxes {
		if err := models.EnsurePersonalFolders(tx, user.ID, m.ID); err != nil {
			return err
		}
	}
	user.Mailboxes = mailboxes
	return nil
}
