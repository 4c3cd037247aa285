package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"helpdesk/config"
	"helpdesk/models"
	"helpdesk/services"
	"helpdesk/testutil"
)

func TestMain(m *testing.M) {
	config.AppConfig.EncryptionKey = strings.Repeat("k", 32)
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

const rawReply = "From: \"Bob Stone\" <Bob@Customer.test>\r\n" +
	"To: support@desk.test\r\n" +
	"Cc: boss@customer.test\r\n" +
	"Subject: Re: Login broken\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <m2@customer.test>\r\n" +
	"In-Reply-To: <m1@customer.test>\r\n" +
	"References: <m0@customer.test> <m1@customer.test>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Still broken\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Still broken</p>\r\n" +
	"--b1--\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage(strings.NewReader(rawReply))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.MessageID != "<m2@customer.test>" || msg.InReplyTo != "<m1@customer.test>" {
		t.Errorf("ids = %q %q", msg.MessageID, msg.InReplyTo)
	}
	if !reflect.DeepEqual(msg.References, []string{"<m0@customer.test>", "<m1@customer.test>"}) {
		t.Errorf("References = %v", msg.References)
	}
	if msg.FromEmail != "bob@customer.test" || msg.FromName != "Bob Stone" {
		t.Errorf("from = %q %q", msg.FromEmail, msg.FromName)
	}
	if !reflect.DeepEqual(msg.Cc, []string{"boss@customer.test"}) || msg.Subject != "Re: Login broken" {
		t.Errorf("cc/subject = %v %q", msg.Cc, msg.Subject)
	}
	if !strings.Contains(msg.Body, "<p>Still broken</p>") {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.ReceivedAt.Year() != 2006 {
		t.Errorf("ReceivedAt = %v", msg.ReceivedAt)
	}
}

func TestParseMessage_PlainTextIsEscaped(t *testing.T) {
	raw := "From: a@customer.test\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\n1 < 2\r\nsecond line\r\n"
	msg, err := ParseMessage(strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "1 &lt; 2<br>second line" {
		t.Errorf("Body = %q", msg.Body)
	}
}

type env struct {
	db      *gorm.DB
	convs   *services.ConversationService
	mailbox *models.Mailbox
	admin   *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	admin := testutil.CreateUser(t, db, "admin@desk.test", models.RoleAdmin)
	mailbox := testutil.CreateMailbox(t, db, "support@desk.test")
	if err := db.Model(mailbox).Association("Users").Append(admin); err != nil {
		t.Fatal(err)
	}
	logger := logrus.WithField("component", "test")
	return &env{db: db, convs: services.NewConversationService(db, nil, logger), mailbox: mailbox, admin: admin}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (f *fakeNotifier) SendInvite(context.Context, *models.User, string) error { return nil }

func (f *fakeNotifier) SendThread(_ context.Context, _ *models.Mailbox, _ *models.Conversation, _ *models.Thread, _ *models.Customer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent++
	return "<out@desk.test>", nil
}

func sendStatuses(t *testing.T, db *gorm.DB) []models.SendStatus {
	t.Helper()
	var threads []models.Thread
	db.Where("type = ?", models.ThreadTypeMessage).Order("id").Find(&threads)
	out := make([]models.SendStatus, 0, len(threads))
	for _, th := range threads {
		out = append(out, th.SendStatus)
	}
	return out
}

func TestSendWorker_RunOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, draft := range []bool{false, false, true} {
		_, err := e.convs.Create(ctx, e.admin, services.NewConversationInput{
			MailboxID: e.mailbox.ID, CustomerEmail: "c@customer.test", Subject: "s", Body: "b", Draft: draft,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	notifier := &fakeNotifier{}
	w := NewSendWorker(e.convs, notifier, 0, logrus.WithField("component", "test"))
	n, err := w.RunOnce(ctx)
	if err != nil || n != 2 || notifier.sent != 2 {
		t.Fatalf("RunOnce() = %d, %v; sent %d", n, err, notifier.sent)
	}
	want := []models.SendStatus{models.SendStatusSent, models.SendStatusSent, models.SendStatusToSend}
	if got := sendStatuses(t, e.db); !reflect.DeepEqual(got, want) {
		t.Errorf("send statuses = %v, want %v", got, want)
	}

	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Errorf("second RunOnce() = %d, want 0", n)
	}
}

func TestSendWorker_FailureIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.convs.Create(ctx, e.admin, services.NewConversationInput{
		MailboxID: e.mailbox.ID, CustomerEmail: "c@customer.test", Subject: "s", Body: "b",
	}); err != nil {
		t.Fatal(err)
	}

	w := NewSendWorker(e.convs, &fakeNotifier{err: errors.New("connection refused")}, 0, logrus.WithField("component", "test"))
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}

	var thread models.Thread
	e.db.Where("type = ?", models.ThreadTypeMessage).First(&thread)
	if thread.SendStatus != models.SendStatusFailed || thread.SendStatusText == nil || *thread.SendStatusText != "connection refused" {
		t.Errorf("thread = %+v", thread)
	}
}

// cancellingNotifier delivers and then cancels the run, like a shutdown
// arriving while the SMTP exchange finishes.
type cancellingNotifier struct {
	fakeNotifier
	cancel context.CancelFunc
}

func (c *cancellingNotifier) SendThread(ctx context.Context, mb *models.Mailbox, conv *models.Conversation, th *models.Thread, cust *models.Customer) (string, error) {
	id, err := c.fakeNotifier.SendThread(ctx, mb, conv, th, cust)
	c.cancel()
	return id, err
}

func TestSendWorker_CancelAfterSendStillRecordsSent(t *testing.T) {
	e := newEnv(t)
	if _, err := e.convs.Create(context.Background(), e.admin, services.NewConversationInput{
		MailboxID: e.mailbox.ID, CustomerEmail: "c@customer.test", Subject: "s", Body: "b",
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := &cancellingNotifier{cancel: cancel}
	w := NewSendWorker(e.convs, notifier, 0, logrus.WithField("component", "test"))
	n, err := w.RunOnce(ctx)
	if n != 1 || !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce() = %d, %v; want 1, context.Canceled", n, err)
	}

	var thread models.Thread
	e.db.Where("type = ?", models.ThreadTypeMessage).First(&thread)
	if thread.SendStatus != models.SendStatusSent || thread.MessageID != "<out@desk.test>" {
		t.Errorf("thread = %+v, want sent", thread)
	}
}

func TestSendWorker_FailsStaleSending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.convs.Create(ctx, e.admin, services.NewConversationInput{
		MailboxID: e.mailbox.ID, CustomerEmail: "c@customer.test", Subject: "s", Body: "b",
	}); err != nil {
		t.Fatal(err)
	}
	out, err := e.convs.ClaimNextOutbound(ctx)
	if err != nil || out == nil {
		t.Fatalf("ClaimNextOutbound() = %v, %v", out, err)
	}
	// The claiming worker died; nothing will complete this send.
	e.db.Model(&models.Thread{}).Where("id = ?", out.Thread.ID).UpdateColumn("updated_at", time.Now().Add(-time.Hour))

	notifier := &fakeNotifier{}
	w := NewSendWorker(e.convs, notifier, 0, logrus.WithField("component", "test"))
	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}

	var thread models.Thread
	e.db.First(&thread, out.Thread.ID)
	if thread.SendStatus != models.SendStatusFailed || thread.SendStatusText == nil || *thread.SendStatusText == "" {
		t.Fatalf("stale thread = %+v, want failed with a reason", thread)
	}
	if _, err := e.convs.RetryThread(ctx, e.admin, thread.ID); err != nil {
		t.Fatalf("RetryThread() error = %v", err)
	}
	if n, err := w.RunOnce(ctx); err != nil || n != 1 || notifier.sent != 1 {
		t.Errorf("RunOnce() after retry = %d, %v; sent %d", n, err, notifier.sent)
	}
}

type fakeSource struct {
	messages map[uint][]string
	err      map[uint]error
	seen     sync.Map
}

func (f *fakeSource) Unseen(_ context.Context, mailbox *models.Mailbox, handle func(io.Reader) error) error {
	if err := f.err[mailbox.ID]; err != nil {
		return err
	}
	for i, raw := range f.messages[mailbox.ID] {
		if err := handle(strings.NewReader(raw)); err == nil {
			f.seen.Store([2]uint{mailbox.ID, uint(i)}, true)
		}
	}
	return nil
}

func TestFetchWorker_RunOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	broken := testutil.CreateMailbox(t, e.db, "broken@desk.test")
	for _, mb := range []*models.Mailbox{e.mailbox, broken} {
		mb.InServer, mb.InUsername = "imap.desk.test", "support"
		e.db.Save(mb)
	}

	first := strings.Replace(strings.Replace(rawReply, "Message-ID: <m2@customer.test>", "Message-ID: <m1@customer.test>", 1), "In-Reply-To: <m1@customer.test>\r\nReferences: <m0@customer.test> <m1@customer.test>\r\n", "", 1)
	ownCopy := "From: support@desk.test\r\nSubject: loop\r\nContent-Type: text/plain\r\n\r\nours\r\n"
	noSender := "From: undisclosed\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	source := &fakeSource{
		messages: map[uint][]string{e.mailbox.ID: {first, rawReply, ownCopy, "not a message", noSender}},
		err:      map[uint]error{broken.ID: errors.New("login failed")},
	}

	w := NewFetchWorker(e.db, e.convs, source, 0, 2, logrus.WithField("component", "test"))
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	var convs []models.Conversation
	e.db.Where("mailbox_id = ?", e.mailbox.ID).Find(&convs)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	var threads int64
	e.db.Model(&models.Thread{}).Where("conversation_id = ? AND type = ?", convs[0].ID, models.ThreadTypeCustomer).Count(&threads)
	if threads != 2 {
		t.Errorf("customer threads = %d, want 2", threads)
	}
	if _, ok := source.seen.Load([2]uint{e.mailbox.ID, 2}); !ok {
		t.Error("own message should be skipped and marked seen")
	}
	if _, ok := source.seen.Load([2]uint{e.mailbox.ID, 3}); !ok {
		t.Error("unparseable message should be dropped and marked seen")
	}
	if _, ok := source.seen.Load([2]uint{e.mailbox.ID, 4}); !ok {
		t.Error("message without a valid sender should be dropped and marked seen")
	}

	// A second pass over the same messages imports nothing new.
	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	e.db.Model(&models.Thread{}).Where("type = ?", models.ThreadTypeCustomer).Count(&threads)
	if threads != 2 {
		t.Errorf("customer threads after refetch = %d, want 2", threads)
	}
}
