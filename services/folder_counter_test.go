package services

import (
	"context"
	"testing"

	"gorm.io/gorm/clause"

	"helpdesk/models"
)

func insertConversation(t *testing.T, f *fixture, folder *models.Folder, status models.ConversationStatus, threadStatuses ...models.ThreadStatus) *models.Conversation {
	t.Helper()
	customer := models.Customer{Email: "c@customer.test"}
	if err := f.db.Where(customer).FirstOrCreate(&customer).Error; err != nil {
		t.Fatal(err)
	}
	conv := &models.Conversation{
		MailboxID: f.mailbox.ID, FolderID: folder.ID, Subject: "s",
		Status: status, State: models.ConversationStatePublished, CustomerID: customer.ID,
	}
	if err := f.db.Omit(clause.Associations).Create(conv).Error; err != nil {
		t.Fatal(err)
	}
	for _, st := range threadStatuses {
		th := &models.Thread{
			ConversationID: conv.ID, Type: models.ThreadTypeMessage, Status: st,
			State: models.ThreadStatePublished, Body: "b", SourceVia: models.SourceViaUser,
			SourceType: models.SourceTypeWeb, CustomerID: customer.ID, CreatedBy: f.admin.ID,
		}
		if err := f.db.Create(th).Error; err != nil {
			t.Fatal(err)
		}
	}
	return conv
}

func TestFolderCounts_ActiveIgnoresClosedConversations(t *testing.T) {
	f := newFixture(t)
	folder := f.folder(t, models.FolderTypeUnassigned)

	insertConversation(t, f, folder, models.ConversationStatusActive, models.ThreadStatusActive, models.ThreadStatusPending)
	insertConversation(t, f, folder, models.ConversationStatusClosed, models.ThreadStatusActive)

	if err := NewFolderCounter(f.db).Counts(context.Background(), folder); err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if folder.ActiveCount != 1 || folder.TotalCount != 3 {
		t.Errorf("counts = active %d total %d, want 1 and 3", folder.ActiveCount, folder.TotalCount)
	}
}

func TestFolderCounts_EmptyAndSoftDeleted(t *testing.T) {
	f := newFixture(t)
	folder := f.folder(t, models.FolderTypeSpam)
	counter := NewFolderCounter(f.db)

	if err := counter.Counts(context.Background(), folder); err != nil {
		t.Fatal(err)
	}
	if folder.ActiveCount != 0 || folder.TotalCount != 0 {
		t.Errorf("empty counts = %d/%d", folder.ActiveCount, folder.TotalCount)
	}

	conv := insertConversation(t, f, folder, models.ConversationStatusSpam, models.ThreadStatusActive, models.ThreadStatusActive)
	var victim models.Thread
	f.db.Where("conversation_id = ?", conv.ID).First(&victim)
	if err := f.db.Delete(&victim).Error; err != nil {
		t.Fatal(err)
	}
	if err := counter.Counts(context.Background(), folder); err != nil {
		t.Fatal(err)
	}
	if folder.TotalCount != 1 {
		t.Errorf("total after soft delete = %d, want 1", folder.TotalCount)
	}
}

func TestFolderCounts_PersonalFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.convs.Create(ctx, f.agent, NewConversationInput{
		MailboxID: f.mailbox.ID, CustomerEmail: "c@customer.test", Subject: "Hi", Body: "b",
		AssigneeID: &f.agent.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.convs.Star(ctx, f.agent, conv.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := f.convs.Star(ctx, f.agent, conv.ID, true); err != nil {
		t.Fatalf("starring twice: %v", err)
	}

	var folders []models.Folder
	f.db.Where("mailbox_id = ? AND user_id = ?", f.mailbox.ID, f.agent.ID).Order("type").Find(&folders)
	if err := NewFolderCounter(f.db).CountsForFolders(ctx, folders); err != nil {
		t.Fatal(err)
	}
	for _, folder := range folders {
		if folder.TotalCount != 1 || folder.ActiveCount != 1 {
			t.Errorf("%s counts = %d/%d, want 1/1", folder.Type.Name(), folder.ActiveCount, folder.TotalCount)
		}
	}

	if err := f.convs.Star(ctx, f.agent, conv.ID, false); err != nil {
		t.Fatal(err)
	}
	starred := folders[1]
	if err := NewFolderCounter(f.db).Counts(ctx, &starred); err != nil {
		t.Fatal(err)
	}
	if starred.TotalCount != 0 {
		t.Errorf("starred total after unstar = %d", starred.TotalCount)
	}
}
