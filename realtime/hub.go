// Package realtime fans mailbox events out to connected websocket clients.
package realtime

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	EventFolders      = "folders"
	EventConversation = "conversation"
)

// Event tells clients which part of a mailbox view changed.
type Event struct {
	Type           string `json:"type"`
	MailboxID      uint   `json:"mailbox_id"`
	ConversationID uint   `json:"conversation_id,omitempty"`
}

// Publisher is what the service layer depends on.
type Publisher interface {
	Publish(event Event)
}

type subscriber struct {
	ch chan Event
}

// Hub keeps subscribers per mailbox. Slow subscribers miss events instead of
// blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint]map[*subscriber]struct{}
	buffer int
	logger *logrus.Entry
}

func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		subs:   make(map[uint]map[*subscriber]struct{}),
		buffer: 16,
		logger: logger,
	}
}

// Subscribe returns a channel of events for the mailbox and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe(mailboxID uint) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[mailboxID] == nil {
		h.subs[mailboxID] = make(map[*subscriber]struct{})
	}
	h.subs[mailboxID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[mailboxID], sub)
			if len(h.subs[mailboxID]) == 0 {
				delete(h.subs, mailboxID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[event.MailboxID] {
		select {
		case sub.ch <- event:
		default:
			if h.logger != nil {
				h.logger.WithField("mailbox_id", event.MailboxID).Warn("Dropping realtime event for slow subscriber")
			}
		}
	}
}

// Subscribers reports how many clients watch a mailbox.
func (h *Hub) Subscribers(mailboxID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[mailboxID])
}
