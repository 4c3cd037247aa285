package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"helpdesk/models"
	"helpdesk/services"
	"helpdesk/utils"
)

// MailSource hands every unseen message of a mailbox to handle. A message is
// marked seen only when handle succeeds.
type MailSource interface {
	Unseen(ctx context.Context, mailbox *models.Mailbox, handle func(io.Reader) error) error
}

// FetchWorker imports customer email from the mailboxes' IMAP accounts.
type FetchWorker struct {
	db          *gorm.DB
	convs       *services.ConversationService
	source      MailSource
	interval    time.Duration
	concurrency int
	logger      *logrus.Entry
}

func NewFetchWorker(db *gorm.DB, convs *services.ConversationService, source MailSource, interval time.Duration, concurrency int, logger *logrus.Entry) *FetchWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &FetchWorker{
		db:          db,
		convs:       convs,
		source:      source,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (fw *FetchWorker) Start(ctx context.Context) {
	fw.logger.WithField("interval", fw.interval).Info("Fetch worker started")
	ticker := time.NewTicker(fw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fw.RunOnce(ctx); err != nil && ctx.Err() == nil {
				utils.LogError("fetch_worker", err, nil)
			}
		case <-ctx.Done():
			fw.logger.Info("Fetch worker shutting down...")
			return
		}
	}
}

// RunOnce fetches every mailbox that has incoming settings. A failing
// mailbox is logged and does not stop the others.
func (fw *FetchWorker) RunOnce(ctx context.Context) error {
	var mailboxes []models.Mailbox
	if err := fw.db.WithContext(ctx).
		Where("in_server IS NOT NULL AND in_server <> '' AND in_username <> ''").
		Find(&mailboxes).Error; err != nil {
		return fmt.Errorf("failed to load mailboxes: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fw.concurrency)
	for i := range mailboxes {
		mailbox := &mailboxes[i]
		g.Go(func() error {
			imported, err := fw.fetchMailbox(gctx, mailbox)
			log := fw.logger.WithFields(logrus.Fields{"mailbox_id": mailbox.ID, "imported": imported})
			if err != nil {
				utils.LogError("mailbox_fetch", err, map[string]interface{}{"mailbox_id": mailbox.ID})
				return nil
			}
			if imported > 0 {
				log.Info("Fetched customer email")
			}
			return nil
		})
	}
	return g.Wait()
}

func (fw *FetchWorker) fetchMailbox(ctx context.Context, mailbox *models.Mailbox) (int, error) {
	imported := 0
	log := fw.logger.WithField("mailbox_id", mailbox.ID)
	err := fw.source.Unseen(ctx, mailbox, func(r io.Reader) error {
		// Unparseable mail and bad senders would fail on every pass, so they
		// are dropped and left seen.
		msg, err := ParseMessage(r)
		if err != nil {
			log.WithError(err).Warn("Dropping unparseable message")
			return nil
		}
		if strings.EqualFold(msg.FromEmail, mailbox.Email) {
			return nil
		}
		_, err = fw.convs.ReceiveCustomerMessage(ctx, mailbox, msg)
		if errors.Is(err, services.ErrInvalidSender) {
			log.WithError(err).WithField("message_id", msg.MessageID).Warn("Dropping message with invalid sender")
			return nil
		}
		if err != nil {
			return err
		}
		imported++
		return nil
	})
	return imported, err
}

// IMAPSource reads unseen mail over IMAP.
type IMAPSource struct {
	logger *logrus.Entry
}

func NewIMAPSource(logger *logrus.Entry) *IMAPSource {
	return &IMAPSource{logger: logger}
}

func (s *IMAPSource) Unseen(ctx context.Context, mailbox *models.Mailbox, handle func(io.Reader) error) error {
	password, err := utils.Decrypt(mailbox.InPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	imapClient, err := dialIMAP(mailbox)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(mailbox.InUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	folder := mailbox.InFolder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := imapClient.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select %s: %w", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	handled := new(imap.SeqSet)
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			s.logger.WithField("seq", msg.SeqNum).Warn("Message body not returned")
			continue
		}
		if err := handle(literal); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"mailbox_id": mailbox.ID, "seq": msg.SeqNum}).Warn("Failed to import message")
			continue
		}
		handled.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	if handled.Empty() {
		return ctx.Err()
	}
	flags := []interface{}{imap.SeenFlag}
	if err := imapClient.Store(handled, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}
	return ctx.Err()
}

func dialIMAP(mailbox *models.Mailbox) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", mailbox.InServer, mailbox.InPort)
	tlsConfig := &tls.Config{ServerName: mailbox.InServer}

	switch strings.ToUpper(mailbox.InEncryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}
