// Package testutil opens throwaway sqlite databases for package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"helpdesk/config"
	"helpdesk/models"
)

var dbSeq atomic.Int64

// NewDB returns a migrated in-memory database private to the test.
// A single connection is used, so code under test must use the tx handed to
// it inside transactions.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:helpdesk_test_%d?mode=memory&cache=shared&_foreign_keys=on", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := config.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateUser inserts a user with the given role.
func CreateUser(t testing.TB, db *gorm.DB, email string, role models.Role) *models.User {
	t.Helper()
	user := &models.User{FirstName: "Test", LastName: "User", Email: email, Role: role, InviteState: models.InviteStateActivated}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return user
}

// CreateMailbox inserts a mailbox together with its public folders.
func CreateMailbox(t testing.TB, db *gorm.DB, email string) *models.Mailbox {
	t.Helper()
	mailbox := &models.Mailbox{Name: "Support", Email: email}
	if err := db.Create(mailbox).Error; err != nil {
		t.Fatalf("create mailbox %s: %v", email, err)
	}
	if err := models.EnsureMailboxFolders(db, mailbox.ID); err != nil {
		t.Fatalf("create folders: %v", err)
	}
	return mailbox
}
