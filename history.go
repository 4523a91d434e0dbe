package marketchat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// DefaultPageSize is the history page size requested from the backend.
const DefaultPageSize = 20

// ErrLoadInFlight is returned when a history request for a room is issued
// while a previous one is still running.
var ErrLoadInFlight = errors.New("marketchat: history load already in flight")

// ============================================================================
// History Loader
// ============================================================================

// HistoryLoader pages backwards through a room's stored messages. Pages
// are keyed by the oldest message ID seen so far, so scrolling back never
// skips or repeats rows even while live traffic arrives.
//
// At most one request per room runs at a time. A second call while one is
// in flight fails fast with ErrLoadInFlight instead of queueing, because
// a stale duplicate page is worse than a retried scroll gesture.
type HistoryLoader struct {
	client   *Client
	pageSize int

	mu       sync.Mutex
	inFlight map[int]bool
	hasMore  map[int]bool
}

func newHistoryLoader(c *Client) *HistoryLoader {
	return &HistoryLoader{
		client:   c,
		pageSize: DefaultPageSize,
		inFlight: make(map[int]bool),
		hasMore:  make(map[int]bool),
	}
}

// LoadRecent fetches the newest page for a room, in ascending order.
func (h *HistoryLoader) LoadRecent(ctx context.Context, roomID int) ([]Message, error) {
	return h.load(ctx, roomID, fmt.Sprintf("/api/chatroom/%d/recent", roomID))
}

// LoadBefore fetches the page strictly older than beforeID, in ascending
// order. beforeID is normally the ID of the oldest message already held.
func (h *HistoryLoader) LoadBefore(ctx context.Context, roomID, beforeID int) ([]Message, error) {
	return h.load(ctx, roomID, fmt.Sprintf("/api/chatroom/%d/before/%d", roomID, beforeID))
}

// HasMore reports whether the last page loaded for roomID was full,
// meaning older messages likely remain. True before any page is loaded.
func (h *HistoryLoader) HasMore(roomID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	more, seen := h.hasMore[roomID]
	if !seen {
		return true
	}
	return more
}

func (h *HistoryLoader) load(ctx context.Context, roomID int, path string) ([]Message, error) {
	h.mu.Lock()
	if h.inFlight[roomID] {
		h.mu.Unlock()
		return nil, ErrLoadInFlight
	}
	h.inFlight[roomID] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.inFlight, roomID)
		h.mu.Unlock()
	}()

	body, err := h.client.doRequest(ctx, "GET", path, nil, map[string]string{
		"size": strconv.Itoa(h.pageSize),
	})
	if err != nil {
		return nil, err
	}

	page, err := decodeMessagePage(body, roomID)
	if err != nil {
		return nil, err
	}

	// The backend is not trusted to order pages consistently.
	sort.Slice(page, func(i, j int) bool {
		return page[i].before(page[j])
	})

	h.mu.Lock()
	h.hasMore[roomID] = len(page) >= h.pageSize
	h.mu.Unlock()

	h.client.log.Debug().Int("room", roomID).Int("count", len(page)).Msg("history page loaded")
	return page, nil
}

// LoadOlder fetches the page preceding what the timeline already holds
// and merges it in. Returns the number of rows fetched; zero means the
// beginning of the conversation was reached.
func (h *HistoryLoader) LoadOlder(ctx context.Context, tl *Timeline) (int, error) {
	oldest := 0
	for _, m := range tl.Messages() {
		if m.Confirmed() {
			oldest = m.ID
			break
		}
	}

	var (
		page []Message
		err  error
	)
	if oldest == 0 {
		page, err = h.LoadRecent(ctx, tl.RoomID())
	} else {
		page, err = h.LoadBefore(ctx, tl.RoomID(), oldest)
	}
	if err != nil {
		return 0, err
	}
	tl.Prepend(page)
	return len(page), nil
}
