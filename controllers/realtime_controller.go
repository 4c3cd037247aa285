package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"helpdesk/middleware"
	"helpdesk/models"
	"helpdesk/realtime"
	"helpdesk/services"
)

// RealtimeController streams mailbox events over a websocket.
type RealtimeController struct {
	Hub       *realtime.Hub
	Mailboxes *services.MailboxService
	Logger    *logrus.Entry
}

func NewRealtimeController(hub *realtime.Hub, mailboxes *services.MailboxService, logger *logrus.Entry) *RealtimeController {
	return &RealtimeController{Hub: hub, Mailboxes: mailboxes, Logger: logger}
}

// Upgrade checks access to the mailbox before switching protocols.
func (rc *RealtimeController) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := rc.Mailboxes.Get(c.UserContext(), middleware.CurrentUser(c), id); err != nil {
		return respondError(c, err, nil)
	}
	c.Locals("mailboxID", id)
	return c.Next()
}

// Stream forwards events until the client goes away.
func (rc *RealtimeController) Stream(conn *websocket.Conn) {
	defer conn.Close()

	mailboxID, _ := conn.Locals("mailboxID").(uint)
	user, _ := conn.Locals("user").(*models.User)
	log := rc.Logger.WithField("mailbox_id", mailboxID)
	if user != nil {
		log = log.WithField("user_id", user.ID)
	}

	events, unsubscribe := rc.Hub.Subscribe(mailboxID)
	defer unsubscribe()
	log.Debug("Realtime client connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			log.Debug("Realtime client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.WithError(err).Debug("Realtime write failed")
				return
			}
		}
	}
}
