package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultInboxSize = 100

type InAppMessage struct {
	ID        string         `json:"id"`
	Template  string         `json:"template"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// InAppSender keeps the latest messages per user in memory. The oldest
// message is dropped once an inbox is full.
type InAppSender struct {
	mu      sync.Mutex
	size    int
	inboxes map[string][]InAppMessage
}

func NewInAppSender(size int) *InAppSender {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &InAppSender{
		size:    size,
		inboxes: make(map[string][]InAppMessage),
	}
}

func (s *InAppSender) Send(ctx context.Context, recipient, templateID string, payload map[string]any) error {
	msg := InAppMessage{
		ID:        uuid.New().String(),
		Template:  templateID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inbox := append(s.inboxes[recipient], msg)
	if len(inbox) > s.size {
		inbox = append([]InAppMessage(nil), inbox[len(inbox)-s.size:]...)
	}
	s.inboxes[recipient] = inbox
	return nil
}

// Inbox returns the user's messages, newest first.
func (s *InAppSender) Inbox(user string) []InAppMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox := s.inboxes[user]
	out := make([]InAppMessage, len(inbox))
	for i, m := range inbox {
		out[len(inbox)-1-i] = m
	}
	return out
}

// Clear empties the user's inbox and reports how many messages it held.
func (s *InAppSender) Clear(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.inboxes[user])
	delete(s.inboxes, user)
	return n
}
