package marketchat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Wire Format
// ============================================================================
//
// The backend speaks two shapes for the same message: the history REST API
// returns ChatMessageDTO rows with a nested sender object, while newer
// broadcast frames carry flat chatRoomId/senderId fields. Both are decoded
// here into a typed Message; nothing partially shaped leaves this file.

// authFrame is the first frame sent after the transport opens.
const authFramePrefix = "Bearer "

// authAckSentinel is the server's plain-text handshake acknowledgement.
// It is not JSON and must never reach the message listeners.
const authAckSentinel = "Authentication successful!"

// outboundFrame is the JSON payload for a chat send.
type outboundFrame struct {
	ChatRoomID int    `json:"chatRoomId"`
	SenderID   int    `json:"senderId"`
	Content    string `json:"content"`
}

// wireTime accepts both RFC 3339 timestamps and the backend's zone-less
// LocalDateTime serialization ("2006-01-02T15:04:05.999999").
type wireTime struct {
	time.Time
}

var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp is not a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range wireTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

type wireSender struct {
	ID       int    `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

type wireRoomRef struct {
	ID        int    `json:"id"`
	PostID    int    `json:"postId,omitempty"`
	PostTitle string `json:"postTitle,omitempty"`
}

type wireMessage struct {
	ID         int          `json:"id"`
	ChatRoomID int          `json:"chatRoomId"`
	SenderID   int          `json:"senderId"`
	Sender     *wireSender  `json:"sender"`
	ChatRoom   *wireRoomRef `json:"chatRoom"`
	Content    string       `json:"content"`
	SentAt     wireTime     `json:"sentAt"`
}

// decodeMessage validates a raw frame or history row and produces a typed
// Message. roomID is the room the payload was received for; it backfills
// rows that omit the room reference.
func decodeMessage(data []byte, roomID int) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("malformed message payload: %w", err)
	}

	senderID := w.SenderID
	if senderID == 0 && w.Sender != nil {
		senderID = w.Sender.ID
	}
	if senderID == 0 {
		return Message{}, fmt.Errorf("message %d has no sender", w.ID)
	}
	if strings.TrimSpace(w.Content) == "" {
		return Message{}, fmt.Errorf("message %d has empty content", w.ID)
	}

	room := w.ChatRoomID
	if room == 0 && w.ChatRoom != nil {
		room = w.ChatRoom.ID
	}
	if room == 0 {
		room = roomID
	}

	return Message{
		ID:       w.ID,
		RoomID:   room,
		SenderID: senderID,
		Content:  w.Content,
		SentAt:   w.SentAt.Time,
		State:    MessageConfirmed,
	}, nil
}

// decodeMessagePage decodes a history page, dropping nothing: a single bad
// row fails the whole page so the caller can surface a retryable error
// instead of merging a partial view.
func decodeMessagePage(data []byte, roomID int) ([]Message, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("malformed history page: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for i, row := range rows {
		msg, err := decodeMessage(row, roomID)
		if err != nil {
			return nil, fmt.Errorf("history row %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
