package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the lifecycle state of a room's live channel.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateConnected      ConnState = "connected"
	StateReconnecting   ConnState = "reconnecting"
	StateFailed         ConnState = "failed"
)

// StatusEvent describes a connection state transition.
type StatusEvent struct {
	State   ConnState
	Code    int    // close code on disconnects, 0 otherwise
	Reason  string
	Attempt int           // reconnect attempt number, StateReconnecting only
	Delay   time.Duration // pending backoff delay, StateReconnecting only
	// Terminal marks the end of automatic recovery: reconnect attempts
	// exhausted or the credential was rejected. The caller must Open again.
	Terminal bool
}

var (
	// ErrNoCredential is returned by Open when the client has no session token.
	ErrNoCredential = errors.New("marketchat: no session credential")
	// ErrAuthRejected is returned when the server refuses the handshake frame.
	ErrAuthRejected = errors.New("marketchat: credential rejected during handshake")
	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("marketchat: not connected")
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a room connection.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HandshakeTimeout     time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 4 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// ============================================================================
// Listener Registry
// ============================================================================

type dispatcher struct {
	mu        sync.RWMutex
	nextID    int
	onMessage map[int]func(Message)
	onStatus  map[int]func(StatusEvent)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		onMessage: make(map[int]func(Message)),
		onStatus:  make(map[int]func(StatusEvent)),
	}
}

func (d *dispatcher) subscribeMessage(h func(Message)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.onMessage[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onMessage, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) subscribeStatus(h func(StatusEvent)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.onStatus[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onStatus, id)
		d.mu.Unlock()
	}
}

// dispatchMessage delivers synchronously so listeners observe transport
// order. A panicking listener must not break delivery to the others.
func (d *dispatcher) dispatchMessage(msg Message) {
	d.mu.RLock()
	handlers := make([]func(Message), 0, len(d.onMessage))
	for _, h := range d.onMessage {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(msg)
		}()
	}
}

func (d *dispatcher) emitStatus(ev StatusEvent) {
	d.mu.RLock()
	handlers := make([]func(StatusEvent), 0, len(d.onStatus))
	for _, h := range d.onStatus {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(ev)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay doubles per attempt from the base delay, with a little jitter,
// capped at maxDelay. Jitter is under half the base so delays stay
// non-decreasing across attempts.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RoomConn
// ============================================================================

// RoomConn owns the live channel for one chat room: handshake, inbound
// dispatch, outbound send, and bounded reconnection. At most one websocket
// is live per RoomConn at a time.
type RoomConn struct {
	client *Client
	roomID int
	config *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectTimer   *time.Timer
	disp             *dispatcher
	recon            *reconnector
}

// Room creates a connection handle for roomID. Call Open to connect.
func (c *Client) Room(roomID int, config *RealtimeConfig) *RoomConn {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RoomConn{
		client: c,
		roomID: roomID,
		config: &cfg,
		state:  StateDisconnected,
		disp:   newDispatcher(),
		recon:  newReconnector(&cfg),
	}
}

// OpenRoom opens a connection for roomID, first tearing down any room the
// client already has live. Only one room channel exists per client.
func (c *Client) OpenRoom(ctx context.Context, roomID int, config *RealtimeConfig) (*RoomConn, error) {
	c.connMu.Lock()
	if prev := c.activeConn; prev != nil {
		prev.Close()
	}
	conn := c.Room(roomID, config)
	c.activeConn = conn
	c.connMu.Unlock()
	return conn, conn.Open(ctx)
}

// RoomID returns the room this connection is bound to.
func (rc *RoomConn) RoomID() int { return rc.roomID }

// State returns the current connection state.
func (rc *RoomConn) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// OnMessage subscribes to inbound chat messages. The returned function
// unsubscribes.
func (rc *RoomConn) OnMessage(h func(Message)) func() {
	return rc.disp.subscribeMessage(h)
}

// OnStatus subscribes to connection status changes. The returned function
// unsubscribes.
func (rc *RoomConn) OnStatus(h func(StatusEvent)) func() {
	return rc.disp.subscribeStatus(h)
}

func (rc *RoomConn) setState(s ConnState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

// Open establishes the websocket and performs the credential handshake:
// the first frame on the channel is the plain-text "Bearer <token>" frame,
// answered by the server's plain-text acknowledgement. Only after that ack
// is the channel Connected and JSON chat frames flow.
//
// Transport failures surface as status events and feed the reconnect
// machinery; the returned error is informational for those. ErrNoCredential
// and ErrAuthRejected are terminal and require caller action.
func (rc *RoomConn) Open(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnecting || rc.state == StateAuthenticating || rc.state == StateConnected {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	if rc.client.token == "" {
		rc.setState(StateFailed)
		rc.disp.emitStatus(StatusEvent{State: StateFailed, Reason: "missing credential", Terminal: true})
		return ErrNoCredential
	}

	rc.disp.emitStatus(StatusEvent{State: StateConnecting})

	wsURL := strings.Replace(rc.client.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/chat/" + strconv.Itoa(rc.roomID)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rc.client.httpClient,
	})
	if err != nil {
		rc.client.log.Debug().Int("room", rc.roomID).Err(err).Msg("websocket dial failed")
		rc.transportFailure(0, fmt.Sprintf("dial: %v", err))
		return fmt.Errorf("websocket dial: %w", err)
	}

	rc.setState(StateAuthenticating)
	rc.disp.emitStatus(StatusEvent{State: StateAuthenticating})

	hctx, hcancel := context.WithTimeout(ctx, rc.config.HandshakeTimeout)
	defer hcancel()

	if err := conn.Write(hctx, websocket.MessageText, []byte(authFramePrefix+rc.client.token)); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "handshake write failed")
		rc.transportFailure(0, fmt.Sprintf("handshake write: %v", err))
		return fmt.Errorf("handshake write: %w", err)
	}

	_, ack, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "handshake read failed")
		rc.transportFailure(0, fmt.Sprintf("handshake read: %v", err))
		return fmt.Errorf("handshake read: %w", err)
	}

	if string(ack) != authAckSentinel {
		// Retrying with the same bad credential is pointless: terminal,
		// and no reconnect attempt is consumed.
		conn.Close(websocket.StatusPolicyViolation, "authentication rejected")
		rc.client.log.Warn().Int("room", rc.roomID).Msg("handshake rejected")
		rc.setState(StateFailed)
		rc.disp.emitStatus(StatusEvent{State: StateFailed, Reason: "authentication rejected", Terminal: true})
		return ErrAuthRejected
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.mu.Unlock()

	rc.recon.reset()
	rc.client.log.Debug().Int("room", rc.roomID).Msg("room channel connected")
	rc.disp.emitStatus(StatusEvent{State: StateConnected})

	go rc.readLoop(loopCtx, conn)
	return nil
}

// Send transmits a payload as a JSON text frame. Only permitted while
// Connected; the caller decides how to handle the failure otherwise.
func (rc *RoomConn) Send(ctx context.Context, payload any) error {
	rc.mu.Lock()
	conn := rc.conn
	connected := rc.state == StateConnected
	rc.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close tears the channel down for good: cancels any pending reconnect
// timer, stops dispatch and leaves the connection Disconnected.
func (rc *RoomConn) Close() {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.reconnectTimer != nil {
		rc.reconnectTimer.Stop()
		rc.reconnectTimer = nil
	}
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	prev := rc.state
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "room closed")
	}
	// Closing a connection that was never open, or closing twice, is a
	// no-op and emits nothing.
	if prev == StateDisconnected && conn == nil {
		return
	}
	rc.disp.emitStatus(StatusEvent{State: StateDisconnected, Code: int(websocket.StatusNormalClosure), Reason: "room closed"})
}

// ============================================================================
// Internal loops
// ============================================================================

func (rc *RoomConn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
			}
			rc.mu.Unlock()
			if intentional {
				return
			}

			code := -1
			if status := websocket.CloseStatus(err); status != -1 {
				code = int(status)
			}

			// Disconnected is reported before any reconnection starts.
			rc.setState(StateDisconnected)
			rc.disp.emitStatus(StatusEvent{State: StateDisconnected, Code: code, Reason: err.Error()})

			if code == int(websocket.StatusNormalClosure) {
				return
			}
			if rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			} else {
				rc.giveUp()
			}
			return
		}

		if typ != websocket.MessageText {
			rc.client.log.Debug().Int("room", rc.roomID).Msg("dropping non-text frame")
			continue
		}
		if string(data) == authAckSentinel {
			continue
		}

		msg, err := decodeMessage(data, rc.roomID)
		if err != nil {
			// Protocol error: logged and dropped, connection state untouched.
			rc.client.log.Warn().Int("room", rc.roomID).Err(err).Msg("dropping malformed frame")
			continue
		}
		rc.disp.dispatchMessage(msg)
	}
}

func (rc *RoomConn) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	attempt := rc.recon.attempt

	rc.setState(StateReconnecting)
	rc.client.log.Debug().Int("room", rc.roomID).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	rc.disp.emitStatus(StatusEvent{State: StateReconnecting, Attempt: attempt, Delay: delay})

	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.reconnectTimer = time.AfterFunc(delay, func() {
		rc.mu.Lock()
		stale := rc.intentionalClose
		rc.reconnectTimer = nil
		rc.mu.Unlock()
		if stale {
			return
		}
		// The originating context is long gone by now.
		rc.Open(context.Background())
	})
	rc.mu.Unlock()
}

// transportFailure handles a failed connection attempt: emit the
// disconnect, then either burn a reconnect attempt or give up.
func (rc *RoomConn) transportFailure(code int, reason string) {
	rc.mu.Lock()
	intentional := rc.intentionalClose
	rc.mu.Unlock()
	if intentional {
		return
	}

	rc.setState(StateDisconnected)
	rc.disp.emitStatus(StatusEvent{State: StateDisconnected, Code: code, Reason: reason})

	if rc.recon.shouldReconnect() {
		rc.scheduleReconnect()
	} else {
		rc.giveUp()
	}
}

// giveUp is the terminal transition after the reconnect budget is spent.
// Distinct from an ordinary disconnect so the UI can offer a manual retry
// instead of looping silently.
func (rc *RoomConn) giveUp() {
	rc.setState(StateFailed)
	rc.client.log.Warn().Int("room", rc.roomID).Msg("reconnect attempts exhausted")
	rc.disp.emitStatus(StatusEvent{State: StateFailed, Reason: "reconnect attempts exhausted", Terminal: true})
}
