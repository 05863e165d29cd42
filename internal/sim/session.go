package sim

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"phobos.org.uk/overseer/internal/protocol"
)

// conn is one client connection to the channel endpoint.
type conn struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex // serializes websocket writes

	mu        sync.Mutex
	sessionID string
	run       *run
}

// run is one in-flight simulated query.
type run struct {
	cancel chan struct{}
	done   chan struct{}
}

// handle drives one client connection. The server speaks first: the
// connected acknowledgement goes out before any client message is read.
func (c *conn) handle() {
	defer c.close()

	if err := c.send(protocol.TypeConnected, nil); err != nil {
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *conn) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinSession:
		var join protocol.JoinPayload
		if err := env.DecodeData(&join); err != nil || join.SessionID == "" {
			c.sendError("join_session requires a session id")
			return
		}
		c.srv.registerSession(join.SessionID)
		c.mu.Lock()
		c.sessionID = join.SessionID
		c.mu.Unlock()
		c.send(protocol.TypeJoined, protocol.JoinPayload{SessionID: join.SessionID})

	case protocol.TypeQuery:
		var q protocol.QueryPayload
		if err := env.DecodeData(&q); err != nil {
			c.sendError("malformed query")
			return
		}
		c.startQuery(q.Text)

	case protocol.TypeAbortQuery:
		c.abortQuery()

	case protocol.TypeGetStatus:
		var req protocol.RequestPayload
		if err := env.DecodeData(&req); err != nil {
			c.sendError("malformed get_status")
			return
		}
		c.send(protocol.TypeStatusResponse, c.srv.serverStatus(req.RequestID))

	case protocol.TypePing:
		var req protocol.RequestPayload
		if err := env.DecodeData(&req); err != nil {
			c.sendError("malformed ping")
			return
		}
		c.send(protocol.TypePong, protocol.RequestPayload{RequestID: req.RequestID})

	default:
		c.sendError(fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// startQuery begins a simulated execution: an executing status push, a
// delay, then completion and a final answer. One query at a time per
// connection.
func (c *conn) startQuery(text string) {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		c.sendError("query already in progress")
		return
	}
	r := &run{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.run = r
	c.mu.Unlock()

	go c.executeQuery(r, text)
}

func (c *conn) executeQuery(r *run, text string) {
	defer func() {
		close(r.done)
		c.mu.Lock()
		if c.run == r {
			c.run = nil
		}
		c.mu.Unlock()
	}()

	c.send(protocol.TypeStatus, protocol.NetworkStatus{
		IsProcessing: true,
		State:        "executing",
		Phase:        "executing",
		Message:      "processing query",
	})

	select {
	case <-r.cancel:
		c.send(protocol.TypeAborted, nil)
		c.sendIdle()
		return
	case <-time.After(c.srv.opts.ResponseDelay):
	}

	result := c.srv.opts.Result
	if result == "" {
		result = "echo: " + text
	}

	c.send(protocol.TypeCompletion, map[string]any{
		"run_id": uuid.NewString(),
		"result": result,
	})
	c.send(protocol.TypeFinalAnswer, map[string]any{"text": result})
	c.sendIdle()
}

func (c *conn) abortQuery() {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	if r == nil {
		// Nothing running; acknowledge anyway so clients stay in sync.
		c.send(protocol.TypeAborted, nil)
		return
	}

	select {
	case <-r.cancel:
	default:
		close(r.cancel)
	}
}

func (c *conn) sendIdle() {
	c.send(protocol.TypeStatus, protocol.NetworkStatus{
		IsProcessing: false,
		State:        "idle",
	})
}

func (c *conn) send(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *conn) sendError(msg string) {
	c.send(protocol.TypeError, protocol.ErrorPayload{Message: msg})
}

func (c *conn) close() {
	c.abortQuery()
	c.ws.Close()
	c.srv.dropConn(c)
}
