package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"phobos.org.uk/overseer/internal/config"
	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/protocol"
	"phobos.org.uk/overseer/internal/tlsutil"
)

const (
	// serverStatusTimeout bounds the get_status request/response exchange.
	serverStatusTimeout = 5 * time.Second

	// pingTimeout bounds the ping/pong exchange. A ping that times out is
	// reported as not-alive, never as an error.
	pingTimeout = 3 * time.Second

	// DefaultChannelPath is where the execution server exposes its channel.
	DefaultChannelPath = "/channel"
)

// NetworkSessionMonitor owns one bidirectional channel to a remote execution
// server. It joins a session, relays status and events into the callback set,
// and reconnects automatically after an unexpected disconnect, rejoining the
// session it had.
type NetworkSessionMonitor struct {
	opts   config.NetworkOptions
	log    *logging.Logger
	dialer *websocket.Dialer
	wsURL  string

	mu               sync.Mutex
	cb               Callbacks
	conn             *websocket.Conn
	connected        bool
	reconnectEnabled bool // auto-reconnect intent; cleared by Disconnect before the socket closes
	reconnecting     bool
	reconnectCancel  chan struct{}
	closed           bool
	sessionID        string
	lastStatus       protocol.NetworkStatus
	pending          map[string]chan protocol.Envelope // request_id -> response

	writeMu sync.Mutex // serializes socket writes
}

// NewNetworkSessionMonitor creates a monitor for the given server options.
// A nil logger discards diagnostics.
func NewNetworkSessionMonitor(opts config.NetworkOptions, log *logging.Logger) *NetworkSessionMonitor {
	if log == nil {
		log = logging.Discard()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = config.DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = config.DefaultReconnectDelay
	}
	return &NetworkSessionMonitor{
		opts:  opts,
		log:   log.WithComponent("network"),
		wsURL: channelURL(opts.URL),
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			TLSClientConfig:  tlsutil.ClientTLSConfig(opts.InsecureTLS),
		},
		pending: make(map[string]chan protocol.Envelope),
	}
}

// channelURL normalizes a server URL to the websocket channel endpoint:
// http(s) schemes become ws(s), and an empty path gets the default.
func channelURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultChannelPath
	}
	return u.String()
}

func (m *NetworkSessionMonitor) header() http.Header {
	if m.opts.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+m.opts.Token)
	return h
}

// RegisterCallbacks merges the given observers into the existing set.
func (m *NetworkSessionMonitor) RegisterCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb.merge(cb)
}

// Kind implements Strategy.
func (m *NetworkSessionMonitor) Kind() StrategyKind { return StrategyNetwork }

// Connect opens the channel and waits for the server's connected
// acknowledgment within the configured timeout. After the first successful
// connection, unexpected disconnects trigger auto-reconnect.
func (m *NetworkSessionMonitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("monitor is closed")
	}
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.establish(ctx, nil)
}

// Start implements Strategy.
func (m *NetworkSessionMonitor) Start(ctx context.Context) error {
	return m.Connect(ctx)
}

// establish dials, performs the connected handshake, installs the socket,
// and starts the read pump. Used by both Connect and the reconnect loop.
// A non-nil cancel channel withdraws the connection intent: if it is closed
// by the time the handshake finishes, the fresh socket is torn down instead
// of installed, so a Disconnect issued mid-attempt stays disconnected.
func (m *NetworkSessionMonitor) establish(ctx context.Context, cancel <-chan struct{}) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancelDial()

	conn, resp, err := m.dialer.DialContext(dialCtx, m.wsURL, m.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &ConnectionError{URL: m.wsURL, Err: err}
	}

	// The server speaks first: nothing counts as connected until its
	// acknowledgment arrives.
	if err := m.awaitConnectedAck(conn); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("monitor is closed")
	}
	if canceled(cancel) {
		m.mu.Unlock()
		conn.Close()
		return &ConnectionError{URL: m.wsURL, Err: fmt.Errorf("reconnect canceled")}
	}
	m.conn = conn
	m.connected = true
	m.reconnectEnabled = true
	cb := m.cb
	m.mu.Unlock()

	m.log.Info("channel connected", map[string]any{"url": m.wsURL})
	go m.readPump(conn)
	cb.connected()
	return nil
}

// awaitConnectedAck reads envelopes until the connected acknowledgment,
// bounded by the connect timeout.
func (m *NetworkSessionMonitor) awaitConnectedAck(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(m.opts.ConnectTimeout))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return &TimeoutError{Op: "connect", Timeout: m.opts.ConnectTimeout}
			}
			return &ConnectionError{URL: m.wsURL, Err: err}
		}
		switch env.Type {
		case protocol.TypeConnected:
			return nil
		case protocol.TypeError:
			var ep protocol.ErrorPayload
			env.DecodeData(&ep)
			return &ConnectionError{URL: m.wsURL, Err: fmt.Errorf("server rejected connection: %s", ep.Message)}
		}
		// Anything else before the ack is ignored.
	}
}

// readPump reads envelopes until the socket fails, then hands off to
// disconnect handling. Malformed frames are reported via OnError and skipped;
// they never kill the channel.
func (m *NetworkSessionMonitor) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}

		var env protocol.Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Type == "" {
			m.mu.Lock()
			cb := m.cb
			m.mu.Unlock()
			cb.failure(&ProtocolError{MsgType: "unknown", Err: fmt.Errorf("unparseable frame: %.80s", data)})
			continue
		}
		m.dispatch(env)
	}
}

// dispatch normalizes one channel envelope into the callback set.
func (m *NetworkSessionMonitor) dispatch(env protocol.Envelope) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()

	switch env.Type {
	case protocol.TypeStatus:
		var ns protocol.NetworkStatus
		if err := env.DecodeData(&ns); err != nil {
			cb.failure(&ProtocolError{MsgType: env.Type, Err: err})
			return
		}
		m.mu.Lock()
		m.lastStatus = ns
		m.mu.Unlock()
		cb.statusChange(normalizeNetworkStatus(ns))

	case protocol.TypeStatusResponse, protocol.TypePong:
		var req protocol.RequestPayload
		if err := env.DecodeData(&req); err != nil {
			cb.failure(&ProtocolError{MsgType: env.Type, Err: err})
			return
		}
		m.mu.Lock()
		ch := m.pending[req.RequestID]
		delete(m.pending, req.RequestID)
		m.mu.Unlock()
		if ch != nil {
			ch <- env
		}
		// A missing entry means the requester already timed out.

	case protocol.TypeJoined:
		var jp protocol.JoinPayload
		env.DecodeData(&jp)
		m.log.Info("session joined", map[string]any{"session_id": jp.SessionID})
		cb.event(Event{Type: env.Type, Data: env.Data})

	case protocol.TypeCompletion, protocol.TypeFinalAnswer:
		cb.event(Event{Type: env.Type, Data: env.Data})
		cb.completion(env.Data)

	case protocol.TypeAborted:
		cb.event(Event{Type: env.Type, Data: env.Data})
		cb.aborted()

	case protocol.TypeError:
		var ep protocol.ErrorPayload
		if err := env.DecodeData(&ep); err != nil {
			cb.failure(&ProtocolError{MsgType: env.Type, Err: err})
			return
		}
		cb.failure(fmt.Errorf("server error: %s", ep.Message))

	default:
		cb.event(Event{Type: env.Type, Data: env.Data})
	}
}

// handleDisconnect records the lost socket and, unless the disconnect was
// locally initiated, kicks off the reconnect loop.
func (m *NetworkSessionMonitor) handleDisconnect(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A stale pump from a socket that was already replaced.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	cb := m.cb
	startLoop := m.reconnectEnabled && !m.closed && !m.reconnecting
	var cancel chan struct{}
	if startLoop {
		m.reconnecting = true
		cancel = make(chan struct{})
		m.reconnectCancel = cancel
	}
	m.mu.Unlock()

	m.log.Warn("channel disconnected", map[string]any{"error": err.Error()})
	cb.disconnected()

	if startLoop {
		go m.reconnectLoop(cancel)
	}
}

// reconnectLoop retries the connection, one attempt at a time, bounded by
// MaxReconnectAttempts and separated by ReconnectDelay. The cancellation
// channel is checked at every loop entry and again before a fresh socket is
// installed, so Disconnect stops an in-flight loop cleanly even mid-attempt.
// On success, a previously joined session is rejoined.
func (m *NetworkSessionMonitor) reconnectLoop(cancel chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-cancel:
			m.log.Debug("reconnect canceled")
			return
		case <-time.After(m.opts.ReconnectDelay):
		}

		m.log.Info("reconnect attempt", map[string]any{
			"attempt": attempt,
			"max":     m.opts.MaxReconnectAttempts,
		})

		if err := m.establish(context.Background(), cancel); err != nil {
			m.log.Warn("reconnect failed", map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		m.mu.Lock()
		session := m.sessionID
		m.mu.Unlock()
		if session != "" {
			if err := m.JoinSession(session); err != nil {
				m.log.Warn("session rejoin failed", map[string]any{
					"session_id": session,
					"error":      err.Error(),
				})
			}
		}
		return
	}

	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	m.log.Error("reconnect attempts exhausted", map[string]any{
		"attempts": m.opts.MaxReconnectAttempts,
	})
	cb.failure(&ConnectionError{
		URL: m.wsURL,
		Err: fmt.Errorf("reconnect attempts exhausted after %d tries", m.opts.MaxReconnectAttempts),
	})
}

// canceled reports whether the cancellation channel has been closed. A nil
// channel is never canceled.
func canceled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// JoinSession records the session id and sends a join request.
func (m *NetworkSessionMonitor) JoinSession(id string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.sessionID = id
	m.mu.Unlock()

	return m.write(protocol.TypeJoinSession, protocol.JoinPayload{SessionID: id})
}

// SendQuery submits query text to the joined session.
func (m *NetworkSessionMonitor) SendQuery(text string) error {
	if err := m.requireSession(); err != nil {
		return err
	}
	return m.write(protocol.TypeQuery, protocol.QueryPayload{Text: text})
}

// AbortQuery asks the server to abort the running query. Cooperative: the
// server decides when the task actually stops.
func (m *NetworkSessionMonitor) AbortQuery() error {
	if err := m.requireSession(); err != nil {
		return err
	}
	return m.write(protocol.TypeAbortQuery, nil)
}

func (m *NetworkSessionMonitor) requireSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.sessionID == "" {
		return ErrNoSession
	}
	return nil
}

// ServerStatus requests the server's status over the channel.
func (m *NetworkSessionMonitor) ServerStatus(ctx context.Context) (protocol.ServerStatus, error) {
	env, err := m.request(ctx, protocol.TypeGetStatus, "server status", serverStatusTimeout)
	if err != nil {
		return protocol.ServerStatus{}, err
	}
	var status protocol.ServerStatus
	if err := env.DecodeData(&status); err != nil {
		return protocol.ServerStatus{}, &ProtocolError{MsgType: env.Type, Err: err}
	}
	return status, nil
}

// Ping checks channel liveness. It never fails: a timeout, a write error,
// and a closed channel all report false.
func (m *NetworkSessionMonitor) Ping(ctx context.Context) bool {
	env, err := m.request(ctx, protocol.TypePing, "ping", pingTimeout)
	return err == nil && env.Type == protocol.TypePong
}

// request performs one correlated request/response exchange with a timeout.
func (m *NetworkSessionMonitor) request(ctx context.Context, msgType, op string, timeout time.Duration) (protocol.Envelope, error) {
	id := uuid.NewString()
	ch := make(chan protocol.Envelope, 1)

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return protocol.Envelope{}, ErrNotConnected
	}
	m.pending[id] = ch
	m.mu.Unlock()

	abandon := func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}

	if err := m.write(msgType, protocol.RequestPayload{RequestID: id}); err != nil {
		abandon()
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		abandon()
		return protocol.Envelope{}, &TimeoutError{Op: op, Timeout: timeout}
	case <-ctx.Done():
		abandon()
		return protocol.Envelope{}, ctx.Err()
	}
}

// write marshals and sends one envelope. Writes are serialized.
func (m *NetworkSessionMonitor) write(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}
	return nil
}

// Disconnect tears down the channel. The reconnect intent is cleared before
// the socket closes, so the resulting read failure can never race a new
// reconnect loop into existence. Session state is cleared.
func (m *NetworkSessionMonitor) Disconnect() {
	m.mu.Lock()
	m.reconnectEnabled = false
	if m.reconnectCancel != nil {
		close(m.reconnectCancel)
		m.reconnectCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.sessionID = ""
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		m.log.Info("channel closed")
	}
}

// Send implements Strategy.
func (m *NetworkSessionMonitor) Send(text string) error { return m.SendQuery(text) }

// Abort implements Strategy. Reports whether the abort request was delivered.
func (m *NetworkSessionMonitor) Abort() bool { return m.AbortQuery() == nil }

// Connected reports whether the channel is currently up.
func (m *NetworkSessionMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SessionID returns the currently joined session id, or empty.
func (m *NetworkSessionMonitor) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Status implements Strategy, reflecting the last server status push.
func (m *NetworkSessionMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return normalizeNetworkStatus(m.lastStatus)
}

// Cleanup implements Strategy: disconnects and drops observers. Idempotent.
func (m *NetworkSessionMonitor) Cleanup() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()

	m.mu.Lock()
	m.cb = Callbacks{}
	m.lastStatus = protocol.NetworkStatus{}
	m.mu.Unlock()
}
