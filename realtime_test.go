package marketchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "test-session-token"

func newChatServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// acceptAuth performs the server side of the handshake. Returns false if
// the credential frame is wrong.
func acceptAuth(ctx context.Context, c *websocket.Conn) bool {
	typ, data, err := c.Read(ctx)
	if err != nil || typ != websocket.MessageText {
		return false
	}
	if string(data) != authFramePrefix+testToken {
		c.Close(websocket.StatusPolicyViolation, "bad credential")
		return false
	}
	return c.Write(ctx, websocket.MessageText, []byte(authAckSentinel)) == nil
}

func collectStatus(conn *RoomConn) <-chan StatusEvent {
	events := make(chan StatusEvent, 64)
	conn.OnStatus(func(ev StatusEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	return events
}

func waitForState(t *testing.T, events <-chan StatusEvent, want ConnState, timeout time.Duration) StatusEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// ============================================================================
// Handshake
// ============================================================================

func TestRoomConnHandshake(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		if !acceptAuth(ctx, c) {
			return
		}
		c.Write(ctx, websocket.MessageText, []byte(`{"id":7,"chatRoomId":3,"senderId":10,"content":"hello","sentAt":"2026-03-14T09:00:00"}`))
		c.Read(ctx) // hold the connection open until the client closes
	})

	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, nil)
	defer conn.Close()

	events := collectStatus(conn)
	received := make(chan Message, 1)
	conn.OnMessage(func(m Message) { received <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected", conn.State())
	}

	waitForState(t, events, StateConnecting, time.Second)
	waitForState(t, events, StateAuthenticating, time.Second)
	waitForState(t, events, StateConnected, time.Second)

	select {
	case msg := <-received:
		if msg.ID != 7 || msg.SenderID != 10 || msg.Content != "hello" || msg.RoomID != 3 {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if msg.State != MessageConfirmed {
			t.Fatalf("message state = %s, want confirmed", msg.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message dispatched")
	}
}

func TestRoomConnAuthRejected(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Read(ctx)
		c.Write(ctx, websocket.MessageText, []byte("Authentication failed"))
		c.Read(ctx)
	})

	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, nil)
	events := collectStatus(conn)

	err := conn.Open(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Open error = %v, want ErrAuthRejected", err)
	}
	if conn.State() != StateFailed {
		t.Fatalf("state = %s, want failed", conn.State())
	}

	ev := waitForState(t, events, StateFailed, time.Second)
	if !ev.Terminal {
		t.Error("rejection status should be terminal")
	}
}

func TestRoomConnNoCredential(t *testing.T) {
	client := NewClient("", WithUserID(10))
	conn := client.Room(3, nil)

	err := conn.Open(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Open error = %v, want ErrNoCredential", err)
	}
	if conn.State() != StateFailed {
		t.Fatalf("state = %s, want failed", conn.State())
	}
}

func TestRoomConnSendNotConnected(t *testing.T) {
	client := NewClient(testToken, WithUserID(10))
	conn := client.Room(3, nil)

	err := conn.Send(context.Background(), outboundFrame{ChatRoomID: 3, SenderID: 10, Content: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestRoomConnHandshakeTimeout(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		// Accept the credential frame but never acknowledge it.
		c.Read(ctx)
		c.Read(ctx)
	})

	cfg := &RealtimeConfig{
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		HandshakeTimeout:     50 * time.Millisecond,
	}
	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, cfg)
	defer conn.Close()
	events := collectStatus(conn)

	if err := conn.Open(context.Background()); err == nil {
		t.Fatal("Open succeeded without a handshake ack")
	}

	// The stalled handshake burns the reconnect budget like any other
	// transport failure, then the connection fails for good.
	ev := waitForState(t, events, StateFailed, 3*time.Second)
	if !ev.Terminal {
		t.Error("exhaustion status should be terminal")
	}
	if conn.State() != StateFailed {
		t.Fatalf("state = %s, want failed", conn.State())
	}
}

func TestRoomConnMalformedFrameDropped(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		if !acceptAuth(ctx, c) {
			return
		}
		c.Write(ctx, websocket.MessageText, []byte("{not json"))
		c.Write(ctx, websocket.MessageText, []byte(`{"id":1,"content":"no sender","sentAt":"2026-03-14T09:00:00"}`))
		c.Write(ctx, websocket.MessageText, []byte(`{"id":2,"chatRoomId":3,"senderId":10,"content":"still here","sentAt":"2026-03-14T09:00:01"}`))
		c.Read(ctx)
	})

	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, nil)
	defer conn.Close()

	received := make(chan Message, 4)
	conn.OnMessage(func(m Message) { received <- m })

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	// Only the well-formed frame reaches listeners; the bad ones are
	// dropped without disturbing the connection.
	select {
	case msg := <-received:
		if msg.ID != 2 || msg.Content != "still here" {
			t.Fatalf("unexpected message dispatched: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones never dispatched")
	}
	select {
	case msg := <-received:
		t.Fatalf("malformed frame dispatched: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected after malformed frames", conn.State())
	}
}

func TestRoomConnCloseIdempotent(t *testing.T) {
	t.Run("never opened", func(t *testing.T) {
		client := NewClient(testToken, WithUserID(10))
		conn := client.Room(3, nil)
		events := collectStatus(conn)

		conn.Close()
		conn.Close()

		select {
		case ev := <-events:
			t.Fatalf("close of an unopened connection emitted %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("second close is silent", func(t *testing.T) {
		srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
			if !acceptAuth(ctx, c) {
				return
			}
			c.Read(ctx)
		})

		client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
		conn := client.Room(3, nil)
		events := collectStatus(conn)

		if err := conn.Open(context.Background()); err != nil {
			t.Fatalf("Open returned error: %v", err)
		}
		waitForState(t, events, StateConnected, time.Second)

		conn.Close()
		waitForState(t, events, StateDisconnected, time.Second)

		conn.Close()
		select {
		case ev := <-events:
			t.Fatalf("repeated close emitted %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// ============================================================================
// Disconnects and Reconnection
// ============================================================================

func TestRoomConnNormalCloseStaysDown(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		if !acceptAuth(ctx, c) {
			return
		}
		c.Close(websocket.StatusNormalClosure, "bye")
	})

	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, nil)
	defer conn.Close()
	events := collectStatus(conn)

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	ev := waitForState(t, events, StateDisconnected, 2*time.Second)
	if ev.Code != int(websocket.StatusNormalClosure) {
		t.Fatalf("close code = %d, want normal closure", ev.Code)
	}

	// A clean close must not trigger reconnection.
	select {
	case ev := <-events:
		if ev.State == StateReconnecting {
			t.Fatal("reconnect attempted after normal closure")
		}
	case <-time.After(200 * time.Millisecond):
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", conn.State())
	}
}

func TestRoomConnReconnectExhausted(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connects.Add(1) > 1 {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if !acceptAuth(r.Context(), c) {
			return
		}
		c.Close(websocket.StatusGoingAway, "restarting")
	}))
	t.Cleanup(srv.Close)

	cfg := &RealtimeConfig{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
	}
	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, cfg)
	defer conn.Close()
	events := collectStatus(conn)

	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	var reconnects int
	deadline := time.After(5 * time.Second)
	for {
		var ev StatusEvent
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatalf("never reached terminal failure; saw %d reconnect attempts", reconnects)
		}
		if ev.State == StateReconnecting {
			reconnects++
			if ev.Attempt != reconnects {
				t.Errorf("attempt number = %d, want %d", ev.Attempt, reconnects)
			}
		}
		if ev.State == StateFailed {
			if !ev.Terminal {
				t.Error("exhaustion status should be terminal")
			}
			break
		}
	}
	if reconnects != cfg.MaxReconnectAttempts {
		t.Fatalf("made %d reconnect attempts, want %d", reconnects, cfg.MaxReconnectAttempts)
	}
	if conn.State() != StateFailed {
		t.Fatalf("state = %s, want failed", conn.State())
	}
}

func TestRoomConnManualReopenAfterFailure(t *testing.T) {
	var allow atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if !acceptAuth(r.Context(), c) {
			return
		}
		c.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	cfg := &RealtimeConfig{
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
	}
	client := NewClient(testToken, WithBaseURL(srv.URL), WithUserID(10))
	conn := client.Room(3, cfg)
	defer conn.Close()
	events := collectStatus(conn)

	conn.Open(context.Background())
	waitForState(t, events, StateFailed, 3*time.Second)

	// Explicit Open after terminal failure starts a fresh attempt budget.
	allow.Store(true)
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected after manual reopen", conn.State())
	}
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := &RealtimeConfig{}
	cfg.defaults()
	r := newReconnector(cfg)

	var prev time.Duration
	for i := 0; i < cfg.MaxReconnectAttempts; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("budget exhausted early at attempt %d", i)
		}
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("delay shrank: %v after %v", d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay %v exceeds cap %v", d, cfg.ReconnectMaxDelay)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Fatal("budget not exhausted after max attempts")
	}

	r.reset()
	if !r.shouldReconnect() {
		t.Fatal("reset did not restore the budget")
	}
}

// ============================================================================
// Listener Registry
// ============================================================================

func TestDispatcherUnsubscribe(t *testing.T) {
	d := newDispatcher()

	var a, b int
	unsubA := d.subscribeMessage(func(Message) { a++ })
	d.subscribeMessage(func(Message) { b++ })

	d.dispatchMessage(Message{})
	unsubA()
	d.dispatchMessage(Message{})

	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d, want 1 and 2", a, b)
	}
}

func TestDispatcherPanickingListener(t *testing.T) {
	d := newDispatcher()

	var delivered int
	d.subscribeMessage(func(Message) { panic("listener bug") })
	d.subscribeMessage(func(Message) { delivered++ })

	d.dispatchMessage(Message{})
	if delivered != 1 {
		t.Fatalf("healthy listener starved by panicking one")
	}
}
