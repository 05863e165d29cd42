package sim

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/protocol"
)

func startServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(opts, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

// dial opens a channel connection and consumes the connected ack.
func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + ts.URL[len("http"):] + "/channel"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, protocol.TypeConnected, env.Type)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestServer_HTTPSurface(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{Version: "test-version"})

	e := httpexpect.Default(t, ts.URL)

	e.GET("/healthz").
		Expect().
		Status(http.StatusOK)

	e.GET("/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("state", "idle").
		HasValue("sessions", 0).
		HasValue("version", "test-version").
		ContainsKey("uptime_seconds")
}

func TestServer_TokenAuth(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{Token: "s3cret"})

	e := httpexpect.Default(t, ts.URL)

	e.GET("/status").
		Expect().
		Status(http.StatusUnauthorized)

	e.GET("/status").
		WithHeader("Authorization", "Bearer wrong").
		Expect().
		Status(http.StatusUnauthorized)

	e.GET("/status").
		WithHeader("Authorization", "Bearer s3cret").
		Expect().
		Status(http.StatusOK)

	// Health stays open for probes even with auth enabled.
	e.GET("/healthz").
		Expect().
		Status(http.StatusOK)
}

func TestServer_LogsEndpoint(t *testing.T) {
	t.Parallel()

	log := logging.New(logging.Config{Output: io.Discard, Level: logging.LevelDebug})
	srv, err := NewServer(Options{}, log)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	dial(t, ts, nil) // leaves a "client connected" entry behind

	e := httpexpect.Default(t, ts.URL)

	obj := e.GET("/logs").
		WithQuery("component", "sim").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.ContainsKey("counts")
	obj.Value("total").Number().Gt(0)

	e.GET("/logs").
		WithQuery("limit", "nope").
		Expect().
		Status(http.StatusBadRequest)
}

func TestServer_ChannelHandshake(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{})
	conn := dial(t, ts, nil) // connected ack consumed by dial

	send(t, conn, protocol.TypePing, protocol.RequestPayload{RequestID: "r1"})
	env := read(t, conn)
	require.Equal(t, protocol.TypePong, env.Type)

	var req protocol.RequestPayload
	require.NoError(t, env.DecodeData(&req))
	require.Equal(t, "r1", req.RequestID)
}

func TestServer_JoinAndQuery(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{Result: "fixed result", ResponseDelay: 20 * time.Millisecond})
	conn := dial(t, ts, nil)

	send(t, conn, protocol.TypeJoinSession, protocol.JoinPayload{SessionID: "s1"})
	env := read(t, conn)
	require.Equal(t, protocol.TypeJoined, env.Type)

	send(t, conn, protocol.TypeQuery, protocol.QueryPayload{Text: "anything"})

	// executing status, completion, final answer, idle status, in that order.
	env = read(t, conn)
	require.Equal(t, protocol.TypeStatus, env.Type)
	var ns protocol.NetworkStatus
	require.NoError(t, env.DecodeData(&ns))
	require.True(t, ns.IsProcessing)

	env = read(t, conn)
	require.Equal(t, protocol.TypeCompletion, env.Type)
	var completion map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &completion))
	require.Equal(t, "fixed result", completion["result"])

	env = read(t, conn)
	require.Equal(t, protocol.TypeFinalAnswer, env.Type)

	env = read(t, conn)
	require.Equal(t, protocol.TypeStatus, env.Type)
	require.NoError(t, env.DecodeData(&ns))
	require.False(t, ns.IsProcessing)
}

func TestServer_AbortQuery(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{ResponseDelay: 10 * time.Second})
	conn := dial(t, ts, nil)

	send(t, conn, protocol.TypeJoinSession, protocol.JoinPayload{SessionID: "s2"})
	require.Equal(t, protocol.TypeJoined, read(t, conn).Type)

	send(t, conn, protocol.TypeQuery, protocol.QueryPayload{Text: "slow"})
	require.Equal(t, protocol.TypeStatus, read(t, conn).Type) // executing

	send(t, conn, protocol.TypeAbortQuery, nil)
	require.Equal(t, protocol.TypeAborted, read(t, conn).Type)
	require.Equal(t, protocol.TypeStatus, read(t, conn).Type) // back to idle
}

func TestServer_UnknownMessage(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{})
	conn := dial(t, ts, nil)

	send(t, conn, "teleport", nil)
	env := read(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)

	var ep protocol.ErrorPayload
	require.NoError(t, env.DecodeData(&ep))
	require.Contains(t, ep.Message, "teleport")
}

func TestServer_SessionsCounted(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t, Options{})
	conn := dial(t, ts, nil)

	send(t, conn, protocol.TypeJoinSession, protocol.JoinPayload{SessionID: "counted"})
	require.Equal(t, protocol.TypeJoined, read(t, conn).Type)

	httpexpect.Default(t, ts.URL).GET("/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("sessions", 1)
}

func TestHashToken_Verify(t *testing.T) {
	t.Parallel()

	hash, err := hashToken("open sesame")
	require.NoError(t, err)
	require.True(t, verifyToken("open sesame", hash))
	require.False(t, verifyToken("wrong", hash))
	require.False(t, verifyToken("open sesame", "not-a-hash"))
}
