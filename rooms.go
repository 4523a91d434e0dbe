package marketchat

import (
	"context"
	"fmt"
)

// ============================================================================
// Room Directory
// ============================================================================

// RoomsClient handles chat room directory operations: creating a room for
// a listing, enumerating a user's rooms, room detail, and leaving.
type RoomsClient struct {
	client *Client
}

type wireRoom struct {
	ID            int       `json:"chatRoomId"`
	PostID        int       `json:"postId"`
	PostTitle     string    `json:"postTitle"`
	BuyerID       int       `json:"buyerId"`
	SellerID      int       `json:"sellerId"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt *wireTime `json:"lastMessageTime"`
	UnreadCount   int       `json:"unreadCount"`
}

func (w wireRoom) toRoom() ChatRoom {
	r := ChatRoom{
		ID:          w.ID,
		PostID:      w.PostID,
		PostTitle:   w.PostTitle,
		BuyerID:     w.BuyerID,
		SellerID:    w.SellerID,
		LastMessage: w.LastMessage,
		UnreadCount: w.UnreadCount,
	}
	if w.LastMessageAt != nil {
		r.LastMessageAt = w.LastMessageAt.Time
	}
	return r
}

type wireRoomInfo struct {
	ID                    int    `json:"chatRoomId"`
	PostID                int    `json:"postId"`
	PostTitle             string `json:"postTitle"`
	OtherUserNickname     string `json:"otherUserNickname"`
	OtherUserProfileImage string `json:"otherUserProfileImage"`
}

// Create opens (or returns the existing) chat room between the caller and
// the seller of the given listing.
func (r *RoomsClient) Create(ctx context.Context, postID int) (*ChatRoom, error) {
	body, err := r.client.doRequest(ctx, "POST", fmt.Sprintf("/api/post/%d/chatroom", postID), nil, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[wireRoom](body)
	if err != nil {
		return nil, err
	}
	room := w.toRoom()
	return &room, nil
}

// List returns the rooms the given user participates in, most recently
// active first.
func (r *RoomsClient) List(ctx context.Context, userID int) ([]ChatRoom, error) {
	body, err := r.client.doRequest(ctx, "GET", fmt.Sprintf("/api/users/%d/chatrooms", userID), nil, nil)
	if err != nil {
		return nil, err
	}
	wires, err := decodeJSON[[]wireRoom](body)
	if err != nil {
		return nil, err
	}
	rooms := make([]ChatRoom, 0, len(*wires))
	for _, w := range *wires {
		rooms = append(rooms, w.toRoom())
	}
	return rooms, nil
}

// Info returns the header detail for a room: the listing it belongs to
// and the counterparty.
func (r *RoomsClient) Info(ctx context.Context, roomID int) (*RoomInfo, error) {
	body, err := r.client.doRequest(ctx, "GET", fmt.Sprintf("/api/chatroom/%d/info", roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[wireRoomInfo](body)
	if err != nil {
		return nil, err
	}
	return &RoomInfo{
		ID:                    w.ID,
		PostID:                w.PostID,
		PostTitle:             w.PostTitle,
		OtherUserNickname:     w.OtherUserNickname,
		OtherUserProfileImage: w.OtherUserProfileImage,
	}, nil
}

// Leave removes the caller from a room. The room disappears from the
// caller's directory; the counterparty keeps their copy.
func (r *RoomsClient) Leave(ctx context.Context, roomID int) error {
	_, err := r.client.doRequest(ctx, "POST", fmt.Sprintf("/api/chatroom/%d/leave", roomID), nil, nil)
	return err
}
