package marketchat

import (
	"sort"
	"sync"
	"time"
)

// promotionTolerance bounds the sentAt drift allowed when matching a
// confirmed inbound message to a local pending echo. Server and client
// clocks disagree, but not by more than a few seconds.
const promotionTolerance = 5 * time.Second

// ============================================================================
// Timeline
// ============================================================================

// Timeline is the per-room message model: a deduplicated list kept in
// ascending (SentAt, ID) order regardless of the order fragments arrive
// in. History pages, live frames and optimistic local sends all merge
// through it and converge on the same final list.
type Timeline struct {
	roomID int

	mu       sync.Mutex
	messages []Message
	nextSub  int
	subs     map[int]func()
}

// NewTimeline creates an empty timeline for roomID.
func NewTimeline(roomID int) *Timeline {
	return &Timeline{
		roomID: roomID,
		subs:   make(map[int]func()),
	}
}

// RoomID returns the room this timeline models.
func (t *Timeline) RoomID() int { return t.roomID }

// OnChange registers a callback invoked after every mutation that changed
// the visible list. The returned function unsubscribes.
func (t *Timeline) OnChange(h func()) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Messages returns a snapshot of the current list in ascending order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// AddPending inserts an optimistic local message. The entry is visible
// immediately and stays until promoted by the server echo, marked failed,
// or removed.
func (t *Timeline) AddPending(msg Message) {
	msg.State = MessagePending
	msg.RoomID = t.roomID
	t.mu.Lock()
	t.insertLocked(msg)
	t.mu.Unlock()
	t.notify()
}

// Append merges one live inbound message. A message whose server ID is
// already present is dropped. A confirmed message from ourselves first
// tries to promote the oldest matching pending entry in place, adopting
// the server's ID and timestamp, so the optimistic row and its echo never
// both show.
func (t *Timeline) Append(msg Message) {
	msg.RoomID = t.roomID
	t.mu.Lock()
	changed := t.mergeLocked(msg)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// Prepend merges a page of history. Rows already present are dropped and
// the rest slot into order, so overlapping pages and pages racing live
// traffic still converge.
func (t *Timeline) Prepend(page []Message) {
	t.mu.Lock()
	changed := false
	for _, msg := range page {
		msg.RoomID = t.roomID
		if t.mergeLocked(msg) {
			changed = true
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// MarkFailed flips the pending entry with the given local ID to Failed.
// The entry stays visible so the sender can see the loss. No effect if
// the entry was already promoted or removed.
func (t *Timeline) MarkFailed(localID string) bool {
	t.mu.Lock()
	changed := false
	for i := range t.messages {
		if t.messages[i].LocalID == localID && t.messages[i].State == MessagePending {
			t.messages[i].State = MessageFailed
			changed = true
			break
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
	return changed
}

// Remove drops the entry with the given local ID, typically a failed send
// the user dismissed.
func (t *Timeline) Remove(localID string) bool {
	t.mu.Lock()
	idx := -1
	for i := range t.messages {
		if t.messages[i].LocalID == localID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	}
	t.mu.Unlock()
	if idx >= 0 {
		t.notify()
		return true
	}
	return false
}

// ============================================================================
// Merge internals
// ============================================================================

// mergeLocked folds one confirmed message in. Reports whether the list
// changed.
func (t *Timeline) mergeLocked(msg Message) bool {
	if msg.ID != 0 {
		for i := range t.messages {
			if t.messages[i].ID == msg.ID {
				return false
			}
		}
	}

	// Promote at most one pending entry per inbound message: the oldest
	// pending row with the same sender and content whose local timestamp
	// is within tolerance of the server's.
	if idx := t.matchPendingLocked(msg); idx >= 0 {
		local := t.messages[idx].LocalID
		t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
		msg.LocalID = local
		msg.State = MessageConfirmed
		t.insertLocked(msg)
		return true
	}

	msg.State = MessageConfirmed
	t.insertLocked(msg)
	return true
}

func (t *Timeline) matchPendingLocked(msg Message) int {
	for i := range t.messages {
		m := &t.messages[i]
		if m.State != MessagePending {
			continue
		}
		if m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		delta := msg.SentAt.Sub(m.SentAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= promotionTolerance {
			return i
		}
	}
	return -1
}

// insertLocked places msg at its ordered position. Insertion near the
// tail is the common case for live traffic.
func (t *Timeline) insertLocked(msg Message) {
	idx := sort.Search(len(t.messages), func(i int) bool {
		return msg.before(t.messages[i])
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[idx+1:], t.messages[idx:])
	t.messages[idx] = msg
}

func (t *Timeline) notify() {
	t.mu.Lock()
	handlers := make([]func(), 0, len(t.subs))
	for _, h := range t.subs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}
