package marketchat

import (
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the GJMarket backend.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api error: HTTP " + strconv.Itoa(e.Status)
	}
	return e.Message
}

// ============================================================================
// Message Model
// ============================================================================

// MessageState tracks a message's position in the optimistic-send lifecycle.
type MessageState string

const (
	// MessagePending is a locally created message awaiting server confirmation.
	MessagePending MessageState = "pending"
	// MessageConfirmed is a server-acknowledged message with a real ID.
	MessageConfirmed MessageState = "confirmed"
	// MessageFailed is a message whose send was rejected or timed out.
	MessageFailed MessageState = "failed"
)

// Message is a single chat message. Once confirmed it is immutable.
//
// Confirmed messages carry the server-assigned ID and SentAt; pending
// messages carry a locally unique LocalID and the client clock's SentAt
// until the matching broadcast arrives.
type Message struct {
	ID       int          `json:"id,omitempty"`
	LocalID  string       `json:"-"`
	RoomID   int          `json:"chatRoomId"`
	SenderID int          `json:"senderId"`
	Content  string       `json:"content"`
	SentAt   time.Time    `json:"sentAt"`
	State    MessageState `json:"-"`
}

// Confirmed reports whether the message has a server identity.
func (m Message) Confirmed() bool { return m.State == MessageConfirmed }

// before defines the total order used everywhere a room's messages are
// merged: (sentAt, id), with LocalID as a final deterministic tie-break so
// two pending entries never compare equal.
func (m Message) before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	if m.ID != other.ID {
		return m.ID < other.ID
	}
	return m.LocalID < other.LocalID
}

// sameEntry reports whether two records are the same timeline row.
func (m Message) sameEntry(other Message) bool {
	if m.ID != 0 && other.ID != 0 {
		return m.ID == other.ID
	}
	return m.LocalID != "" && m.LocalID == other.LocalID
}

// ============================================================================
// Rooms
// ============================================================================

// ChatRoom is a two-party chat session scoped to one marketplace post.
type ChatRoom struct {
	ID            int       `json:"id"`
	PostID        int       `json:"postId"`
	PostTitle     string    `json:"postTitle,omitempty"`
	BuyerID       int       `json:"buyerId,omitempty"`
	SellerID      int       `json:"sellerId,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int       `json:"unreadCount,omitempty"`
}

// RoomInfo is the header-level view of a room: the counterpart's identity
// and the post being discussed.
type RoomInfo struct {
	ID                    int    `json:"id"`
	PostID                int    `json:"postId,omitempty"`
	PostTitle             string `json:"postTitle,omitempty"`
	OtherUserNickname     string `json:"otherUserNickname,omitempty"`
	OtherUserProfileImage string `json:"otherUserProfileImage,omitempty"`
}

// Session is the result of a successful sign-in.
type Session struct {
	Token  string `json:"token"`
	UserID int    `json:"userId"`
}
