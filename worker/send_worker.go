package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"helpdesk/services"
	"helpdesk/utils"
)

// SendWorker delivers published replies waiting in the to-send state.
type SendWorker struct {
	convs    *services.ConversationService
	notifier services.Notifier
	interval time.Duration
	batch    int
	// staleAfter is how long a reply may sit in sending before it is
	// considered abandoned.
	staleAfter time.Duration
	logger     *logrus.Entry
}

func NewSendWorker(convs *services.ConversationService, notifier services.Notifier, interval time.Duration, logger *logrus.Entry) *SendWorker {
	return &SendWorker{
		convs:    convs,
		notifier: notifier,
		interval:   interval,
		batch:      50,
		staleAfter: 10 * time.Minute,
		logger:     logger,
	}
}

func (sw *SendWorker) Start(ctx context.Context) {
	sw.logger.WithField("interval", sw.interval).Info("Send worker started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Send worker shutting down...")
			return
		case <-ticker.C:
			if _, err := sw.RunOnce(ctx); err != nil && ctx.Err() == nil {
				utils.LogError("send_worker", err, nil)
			}
		}
	}
}

// RunOnce sends up to one batch of queued replies and reports how many it
// attempted.
func (sw *SendWorker) RunOnce(ctx context.Context) (int, error) {
	stale, err := sw.convs.FailStaleSending(ctx, sw.staleAfter)
	if err != nil {
		return 0, err
	}
	if stale > 0 {
		sw.logger.WithField("count", stale).Warn("Failed replies stuck in sending")
	}

	attempted := 0
	for attempted < sw.batch {
		if err := ctx.Err(); err != nil {
			return attempted, err
		}

		out, err := sw.convs.ClaimNextOutbound(ctx)
		if err != nil {
			return attempted, err
		}
		if out == nil {
			return attempted, nil
		}
		attempted++

		messageID, sendErr := sw.notifier.SendThread(ctx, out.Mailbox, out.Conversation, out.Thread, out.Customer)
		log := sw.logger.WithFields(logrus.Fields{
			"thread_id":       out.Thread.ID,
			"conversation_id": out.Conversation.ID,
		})
		if sendErr != nil {
			log.WithError(sendErr).Warn("Reply delivery failed")
		} else {
			log.Debug("Reply delivered")
		}

		// The mail may already be out; record it even if shutdown started.
		if err := sw.convs.CompleteOutbound(context.WithoutCancel(ctx), out.Thread.ID, messageID, sendErr); err != nil {
			return attempted, err
		}
	}
	return attempted, nil
}
