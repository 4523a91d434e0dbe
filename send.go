package marketchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSendTimeout is how long a pending message waits for its server
// echo before being marked failed.
const DefaultSendTimeout = 12 * time.Second

var (
	// ErrEmptyMessage is returned by Send for blank or whitespace-only content.
	ErrEmptyMessage = errors.New("marketchat: empty message")
	// ErrNotResendable is returned by Resend when the given local ID does
	// not name a failed entry.
	ErrNotResendable = errors.New("marketchat: no failed entry to resend")
)

// ============================================================================
// Sender
// ============================================================================

// Sender coordinates optimistic sends for one room: every Send inserts a
// pending entry into the timeline immediately, transmits on the live
// channel, and arms a timeout that marks the entry failed if the server
// echo never arrives. Messages are never retried automatically; a failed
// entry stays visible until the user resends or dismisses it.
type Sender struct {
	conn     *RoomConn
	timeline *Timeline
	senderID int
	timeout  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	unsub  func()
}

// NewSender wires a sender to a room connection and its timeline. Echoes
// arriving on the connection feed the timeline, which is where pending
// entries get promoted.
func NewSender(conn *RoomConn, tl *Timeline, senderID int) *Sender {
	s := &Sender{
		conn:     conn,
		timeline: tl,
		senderID: senderID,
		timeout:  DefaultSendTimeout,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
	s.unsub = conn.OnMessage(func(msg Message) {
		tl.Append(msg)
	})
	return s
}

// Send validates and transmits content. The pending entry is visible in
// the timeline before this returns. A transport failure marks the entry
// failed synchronously and is returned to the caller.
func (s *Sender) Send(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}

	msg := Message{
		LocalID:  uuid.NewString(),
		RoomID:   s.conn.RoomID(),
		SenderID: s.senderID,
		Content:  content,
		SentAt:   s.now(),
		State:    MessagePending,
	}
	s.timeline.AddPending(msg)

	frame := outboundFrame{
		ChatRoomID: msg.RoomID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
	}
	if err := s.conn.Send(ctx, frame); err != nil {
		s.timeline.MarkFailed(msg.LocalID)
		return msg, err
	}

	s.armTimeout(msg.LocalID)
	return msg, nil
}

// Resend retries a failed entry as a brand-new send and removes the old
// row. The content is re-dated so ordering reflects the retry.
func (s *Sender) Resend(ctx context.Context, localID string) (Message, error) {
	var content string
	found := false
	for _, m := range s.timeline.Messages() {
		if m.LocalID == localID && m.State == MessageFailed {
			content = m.Content
			found = true
			break
		}
	}
	if !found {
		return Message{}, ErrNotResendable
	}
	s.timeline.Remove(localID)
	return s.Send(ctx, content)
}

// Close releases the connection subscription and cancels outstanding
// timeouts. Pending entries are left as-is.
func (s *Sender) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Sender) armTimeout(localID string) {
	s.mu.Lock()
	s.timers[localID] = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		delete(s.timers, localID)
		s.mu.Unlock()
		// MarkFailed is a no-op if the echo already promoted the entry.
		s.timeline.MarkFailed(localID)
	})
	s.mu.Unlock()
}
