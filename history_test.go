package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type historyRow struct {
	ID      int    `json:"id"`
	Sender  any    `json:"sender"`
	Content string `json:"content"`
	SentAt  string `json:"sentAt"`
}

func makeHistoryPage(firstID, count int) []historyRow {
	rows := make([]historyRow, 0, count)
	for i := 0; i < count; i++ {
		id := firstID + i
		rows = append(rows, historyRow{
			ID:      id,
			Sender:  map[string]any{"id": 10, "nickname": "seller"},
			Content: fmt.Sprintf("message %d", id),
			SentAt:  time.Date(2026, 3, 14, 9, 0, id, 0, time.UTC).Format("2006-01-02T15:04:05"),
		})
	}
	return rows
}

func newHistoryServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(testToken, WithBaseURL(srv.URL), WithUserID(20))
}

// ============================================================================
// Paging
// ============================================================================

func TestHistoryLoadRecent(t *testing.T) {
	var gotPath, gotSize, gotAuth string
	client := newHistoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSize = r.URL.Query().Get("size")
		gotAuth = r.Header.Get("Authorization")

		// Newest first, the way the backend serves it.
		rows := makeHistoryPage(1, 20)
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
		json.NewEncoder(w).Encode(rows)
	})

	page, err := client.History().LoadRecent(context.Background(), 7)
	if err != nil {
		t.Fatalf("LoadRecent returned error: %v", err)
	}
	if gotPath != "/api/chatroom/7/recent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotSize != "20" {
		t.Errorf("size = %q, want 20", gotSize)
	}
	if gotAuth != "Bearer "+testToken {
		t.Errorf("authorization = %q", gotAuth)
	}

	if len(page) != 20 {
		t.Fatalf("got %d rows, want 20", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].before(page[i-1]) {
			t.Fatalf("page not ascending at row %d", i)
		}
	}
	if page[0].ID != 1 || page[19].ID != 20 {
		t.Fatalf("unexpected bounds: %d..%d", page[0].ID, page[19].ID)
	}
	if !client.History().HasMore(7) {
		t.Error("full page should leave HasMore true")
	}
}

func TestHistoryLoadBefore(t *testing.T) {
	var gotPath string
	client := newHistoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(makeHistoryPage(22, 3))
	})

	page, err := client.History().LoadBefore(context.Background(), 7, 42)
	if err != nil {
		t.Fatalf("LoadBefore returned error: %v", err)
	}
	if gotPath != "/api/chatroom/7/before/42" {
		t.Errorf("path = %q", gotPath)
	}
	if len(page) != 3 {
		t.Fatalf("got %d rows, want 3", len(page))
	}
	if client.History().HasMore(7) {
		t.Error("short page should flip HasMore false")
	}
}

func TestHistoryBadRowFailsPage(t *testing.T) {
	client := newHistoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		rows := makeHistoryPage(1, 2)
		rows[1].Content = "   " // blank content is a protocol violation
		json.NewEncoder(w).Encode(rows)
	})

	if _, err := client.History().LoadRecent(context.Background(), 7); err == nil {
		t.Fatal("expected error for page containing a malformed row")
	}
}

func TestHistoryAPIError(t *testing.T) {
	client := newHistoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "token expired"})
	})

	_, err := client.History().LoadRecent(context.Background(), 7)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.Status)
	}
}

// ============================================================================
// In-flight Guard
// ============================================================================

func TestHistorySingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var enteredOnce sync.Once
	client := newHistoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		json.NewEncoder(w).Encode(makeHistoryPage(1, 1))
	})

	done := make(chan error, 1)
	go func() {
		_, err := client.History().LoadRecent(context.Background(), 7)
		done <- err
	}()
	<-entered

	// Same room: rejected while the first request runs.
	if _, err := client.History().LoadRecent(context.Background(), 7); !errors.Is(err, ErrLoadInFlight) {
		t.Fatalf("error = %v, want ErrLoadInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Guard released after completion.
	if _, err := client.History().LoadRecent(context.Background(), 7); err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
}

// ============================================================================
// Timeline Integration
// ============================================================================

func TestHistoryLoadOlder(t *testing.T) {
	client := newHistoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chatroom/7/recent":
			json.NewEncoder(w).Encode(makeHistoryPage(21, 20))
		case "/api/chatroom/7/before/21":
			json.NewEncoder(w).Encode(makeHistoryPage(1, 20))
		default:
			http.NotFound(w, r)
		}
	})

	tl := NewTimeline(7)

	n, err := client.History().LoadOlder(context.Background(), tl)
	if err != nil || n != 20 {
		t.Fatalf("first page: n=%d err=%v", n, err)
	}
	n, err = client.History().LoadOlder(context.Background(), tl)
	if err != nil || n != 20 {
		t.Fatalf("second page: n=%d err=%v", n, err)
	}

	msgs := tl.Messages()
	if len(msgs) != 40 {
		t.Fatalf("timeline holds %d messages, want 40", len(msgs))
	}
	if msgs[0].ID != 1 || msgs[39].ID != 40 {
		t.Fatalf("unexpected bounds: %d..%d", msgs[0].ID, msgs[39].ID)
	}
}
