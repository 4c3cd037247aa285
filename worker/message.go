package worker

import (
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"helpdesk/services"
)

// ParseMessage reads an RFC 5322 message into an IncomingMessage. The HTML
// part wins over plain text; attachments are skipped.
func ParseMessage(r io.Reader) (services.IncomingMessage, error) {
	var msg services.IncomingMessage

	mr, err := mail.CreateReader(r)
	if err != nil {
		return msg, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = "<" + ids[0] + ">"
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			msg.References = append(msg.References, "<"+id+">")
		}
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromEmail = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}
	if to, err := h.AddressList("To"); err == nil {
		msg.To = addresses(to)
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		msg.Cc = addresses(cc)
	}
	msg.Subject, _ = h.Subject()
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	} else {
		msg.ReceivedAt = time.Now()
	}

	var bodyText, bodyHTML string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return msg, fmt.Errorf("failed to read next part: %w", err)
		}

		inline, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return msg, fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case strings.HasPrefix(contentType, "text/html") && bodyHTML == "":
			bodyHTML = string(b)
		case strings.HasPrefix(contentType, "text/plain") && bodyText == "":
			bodyText = string(b)
		}
	}

	if bodyHTML != "" {
		msg.Body = bodyHTML
	} else {
		msg.Body = textToHTML(bodyText)
	}
	return msg, nil
}

func addresses(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

func textToHTML(text string) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}
