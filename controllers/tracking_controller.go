package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"helpdesk/services"
	"helpdesk/utils"
)

// TrackingController serves the open tracking pixel embedded in replies.
type TrackingController struct {
	Conversations *services.ConversationService
	Logger        *logrus.Entry
}

func NewTrackingController(convs *services.ConversationService, logger *logrus.Entry) *TrackingController {
	return &TrackingController{Conversations: convs, Logger: logger}
}

// Open records the first open of a reply. The pixel is returned whatever
// the outcome so mail clients never show a broken image.
func (tc *TrackingController) Open(c *fiber.Ctx) error {
	threadID := utils.ParseUint(c.Params("thread_id"))
	if threadID != 0 && utils.ValidTrackingToken(threadID, c.Params("token")) {
		if err := tc.Conversations.MarkOpened(c.UserContext(), threadID); err != nil {
			tc.Logger.WithError(err).WithField("thread_id", threadID).Debug("Open not recorded")
		}
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Send(utils.TransparentPixel())
}
