package utils

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"helpdesk/config"
	"helpdesk/models"
)

// MessageSender is the part of gomail.Dialer the mailer needs.
type MessageSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer delivers invites through the system SMTP account and replies
// through the mailbox's own outgoing server when it has one.
type SMTPMailer struct {
	system config.SMTPConfig
	appURL string
	dial   func(host string, port int, username, password string) MessageSender
}

func NewSMTPMailer(system config.SMTPConfig, appURL string) *SMTPMailer {
	return &SMTPMailer{
		system: system,
		appURL: appURL,
		dial: func(host string, port int, username, password string) MessageSender {
			return gomail.NewDialer(host, port, username, password)
		},
	}
}

// WithSender replaces the SMTP dialer.
func (m *SMTPMailer) WithSender(s MessageSender) *SMTPMailer {
	m.dial = func(string, int, string, string) MessageSender { return s }
	return m
}

var inviteTemplate = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 10px 20px; background-color: #3498db; color: white; text-decoration: none; border-radius: 4px; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <h2>Hi {{.FirstName}},</h2>
    <p>You have been invited to the help desk. Set a password to activate your account:</p>
    <p style="text-align: center;"><a href="{{.Link}}" class="button">Accept invitation</a></p>
    <p>Or copy and paste this link into your browser:<br><small>{{.Link}}</small></p>
    <div class="footer"><p>&copy; {{.Year}} {{.FromName}}</p></div>
</body>
</html>`))

// SendInvite emails the activation link carrying the raw invite token.
func (m *SMTPMailer) SendInvite(ctx context.Context, user *models.User, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data := struct {
		Subject   string
		FirstName string
		Link      string
		Year      int
		FromName  string
	}{
		Subject:   "You have been invited",
		FirstName: user.FirstName,
		Link:      fmt.Sprintf("%s/invite/accept?token=%s", m.appURL, token),
		Year:      time.Now().Year(),
		FromName:  m.system.FromName,
	}

	var body bytes.Buffer
	if err := inviteTemplate.Execute(&body, data); err != nil {
		return fmt.Errorf("error executing template: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.system.From, m.system.FromName)
	msg.SetHeader("To", user.Email)
	msg.SetHeader("Subject", data.Subject)
	msg.SetBody("text/html", body.String())

	sender := m.dial(m.system.Host, m.system.Port, m.system.Username, m.system.Password)
	if err := sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending invite: %w", err)
	}

	LogEvent("invite_sent", map[string]interface{}{"user_id": user.ID})
	return nil
}

// SendThread delivers a reply to the customer and returns the Message-ID used.
func (m *SMTPMailer) SendThread(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, thread *models.Thread, customer *models.Customer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	recipients := models.NormalizeAddresses(thread.To)
	if len(recipients) == 0 && customer != nil && customer.Email != "" {
		recipients = models.AddressList{customer.Email}
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("thread %d has no recipients", thread.ID)
	}

	messageID := thread.MessageID
	if messageID == "" {
		messageID = NewMessageID(mailbox.Email)
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", mailbox.Email, mailbox.Name)
	msg.SetHeader("To", recipients...)
	if cc := models.NormalizeAddresses(thread.Cc); len(cc) > 0 {
		msg.SetHeader("Cc", cc...)
	}
	if bcc := models.NormalizeAddresses(thread.Bcc); len(bcc) > 0 {
		msg.SetHeader("Bcc", bcc...)
	}
	msg.SetHeader("Subject", ReplySubject(conv.Subject))
	msg.SetHeader("Message-ID", messageID)
	if ref := lastCustomerMessageID(conv); ref != "" {
		msg.SetHeader("In-Reply-To", ref)
		msg.SetHeader("References", ref)
	}

	body := thread.Body
	if mailbox.Signature != "" {
		body += "<br><br>" + mailbox.Signature
	}
	msg.SetBody("text/plain", PreviewText(body))
	msg.AddAlternative("text/html", InjectOpenPixel(body, m.appURL, thread.ID))

	sender, err := m.mailboxSender(mailbox)
	if err != nil {
		return "", err
	}
	if err := sender.DialAndSend(msg); err != nil {
		return "", fmt.Errorf("error sending reply: %w", err)
	}
	return messageID, nil
}

func (m *SMTPMailer) mailboxSender(mailbox *models.Mailbox) (MessageSender, error) {
	if !mailbox.UsesSMTP() {
		return m.dial(m.system.Host, m.system.Port, m.system.Username, m.system.Password), nil
	}
	password, err := Decrypt(mailbox.OutPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt outgoing password: %w", err)
	}
	return m.dial(mailbox.OutServer, mailbox.OutPort, mailbox.OutUsername, password), nil
}

// NewMessageID builds an RFC 5322 Message-ID on the mailbox's domain.
func NewMessageID(address string) string {
	domain := "localhost"
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		domain = address[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func lastCustomerMessageID(conv *models.Conversation) string {
	var ref string
	var newest uint
	for i := range conv.Threads {
		t := &conv.Threads[i]
		if t.Type == models.ThreadTypeCustomer && t.MessageID != "" && t.ID >= newest {
			ref, newest = t.MessageID, t.ID
		}
	}
	return ref
}
