package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/overseer/internal/config"
	"phobos.org.uk/overseer/internal/protocol"
	"phobos.org.uk/overseer/internal/sim"
	"phobos.org.uk/overseer/internal/testutil"
)

// startSim runs a simulated execution server and returns it with its base URL.
func startSim(t *testing.T, opts sim.Options) (*sim.Server, string) {
	t.Helper()
	srv, err := sim.NewServer(opts, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts.URL
}

func TestNetworkMonitor_ConnectAndPing(t *testing.T) {
	t.Parallel()

	_, url := startSim(t, sim.Options{Version: "test"})

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{URL: url}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))
	require.True(t, m.Connected())

	rec.mu.Lock()
	require.Equal(t, 1, rec.connects)
	rec.mu.Unlock()

	// Connect is idempotent while connected.
	require.NoError(t, m.Connect(context.Background()))

	require.True(t, m.Ping(context.Background()))

	status, err := m.ServerStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "test", status.Version)
	require.Equal(t, "idle", status.State)

	m.Disconnect()
	require.False(t, m.Connected())
	require.False(t, m.Ping(context.Background()))
}

func TestNetworkMonitor_ConnectRefused(t *testing.T) {
	t.Parallel()

	port := testutil.AllocateTestPort(t)
	m := NewNetworkSessionMonitor(config.NetworkOptions{
		URL:            "ws://127.0.0.1:" + strconv.Itoa(port),
		ConnectTimeout: time.Second,
	}, nil)
	defer m.Cleanup()

	err := m.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.False(t, m.Connected())
}

func TestNetworkMonitor_QueryLifecycle(t *testing.T) {
	t.Parallel()

	_, url := startSim(t, sim.Options{Result: "the answer", ResponseDelay: 50 * time.Millisecond})

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{URL: url}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))

	// Operations on the session require joining first.
	require.ErrorIs(t, m.SendQuery("too early"), ErrNoSession)
	require.ErrorIs(t, m.AbortQuery(), ErrNoSession)

	require.NoError(t, m.JoinSession("sess-1"))
	require.Equal(t, "sess-1", m.SessionID())

	require.NoError(t, m.SendQuery("what is the answer"))
	rec.wait(t, 5*time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.True(t, rec.completed)
	require.Contains(t, string(rec.completion), "the answer")

	// Status pushes were normalized along the way.
	require.NotEmpty(t, rec.statuses)
	require.Equal(t, StrategyNetwork, rec.statuses[0].Strategy)
	require.True(t, rec.statuses[0].Processing)
}

func TestNetworkMonitor_AbortQuery(t *testing.T) {
	t.Parallel()

	_, url := startSim(t, sim.Options{ResponseDelay: 10 * time.Second})

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{URL: url}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinSession("sess-abort"))
	require.NoError(t, m.SendQuery("long running"))

	// Give the query a moment to start, then abort it.
	time.Sleep(100 * time.Millisecond)
	require.True(t, m.Abort())

	rec.wait(t, 5*time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.True(t, rec.aborted)
	require.False(t, rec.completed)
}

func TestNetworkMonitor_OperationsRequireConnection(t *testing.T) {
	t.Parallel()

	m := NewNetworkSessionMonitor(config.NetworkOptions{URL: "ws://127.0.0.1:1"}, nil)
	defer m.Cleanup()

	require.ErrorIs(t, m.JoinSession("x"), ErrNotConnected)
	require.ErrorIs(t, m.SendQuery("x"), ErrNotConnected)
	_, err := m.ServerStatus(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	require.False(t, m.Ping(context.Background()))
	require.False(t, m.Abort())
}

func TestNetworkMonitor_ReconnectRejoinsSession(t *testing.T) {
	t.Parallel()

	srv, url := startSim(t, sim.Options{})

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{
		URL:            url,
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinSession("sess-sticky"))

	// Force-drop all server-side connections; the monitor should notice,
	// reconnect, and rejoin the session it had.
	srv.Close()

	testutil.Eventually(t, 5*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.disconnects >= 1 && rec.connects >= 2
	})

	require.True(t, m.Connected())
	require.Equal(t, "sess-sticky", m.SessionID())
}

func TestNetworkMonitor_ReconnectBounded(t *testing.T) {
	t.Parallel()

	srv, err := sim.NewServer(sim.Options{}, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{
		URL:                  ts.URL,
		ConnectTimeout:       500 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       50 * time.Millisecond,
	}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))

	// Take the whole server down: every reconnect attempt must fail and the
	// loop must give up after the configured bound.
	srv.Close()
	ts.Close()

	testutil.Eventually(t, 10*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, e := range rec.errors {
			if _, ok := e.(*ConnectionError); ok {
				return true
			}
		}
		return false
	})

	rec.mu.Lock()
	var exhausted error
	for _, e := range rec.errors {
		if _, ok := e.(*ConnectionError); ok {
			exhausted = e
		}
	}
	rec.mu.Unlock()

	require.Contains(t, exhausted.Error(), "reconnect attempts exhausted after 2 tries")
	require.False(t, m.Connected())
}

func TestNetworkMonitor_DisconnectSuppressesReconnect(t *testing.T) {
	t.Parallel()

	_, url := startSim(t, sim.Options{})

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{
		URL:            url,
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	// An intentional disconnect must never trigger the reconnect loop.
	time.Sleep(300 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 1, rec.connects)
	require.False(t, m.Connected())
}

func TestNetworkMonitor_DisconnectDuringReconnectAttempt(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		first *websocket.Conn
		dials int
	)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		n := dials
		if n == 1 {
			first = ws
		}
		mu.Unlock()

		// Hold the reconnect handshake open long enough for a Disconnect
		// to land while the attempt is still in flight.
		if n > 1 {
			time.Sleep(700 * time.Millisecond)
		}
		env, _ := protocol.NewEnvelope(protocol.TypeConnected, nil)
		ws.WriteJSON(env)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	rec := newRecorder()
	m := NewNetworkSessionMonitor(config.NetworkOptions{
		URL:            ts.URL,
		ConnectTimeout: 5 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)
	m.RegisterCallbacks(rec.callbacks())
	defer m.Cleanup()

	require.NoError(t, m.Connect(context.Background()))

	// Drop the first socket server-side so the reconnect loop starts, then
	// disconnect while the next handshake is being held open. The attempt
	// must not install its socket once the intent has been withdrawn.
	mu.Lock()
	first.Close()
	mu.Unlock()

	testutil.Eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
	m.Disconnect()

	time.Sleep(1200 * time.Millisecond)
	require.False(t, m.Connected(), "monitor reconnected after an explicit disconnect")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 1, rec.connects)
}

func TestNetworkMonitor_TokenAuth(t *testing.T) {
	t.Parallel()

	_, url := startSim(t, sim.Options{Token: "hunter2"})

	t.Run("accepted with token", func(t *testing.T) {
		m := NewNetworkSessionMonitor(config.NetworkOptions{URL: url, Token: "hunter2"}, nil)
		defer m.Cleanup()
		require.NoError(t, m.Connect(context.Background()))
		require.True(t, m.Connected())
	})

	t.Run("rejected without token", func(t *testing.T) {
		m := NewNetworkSessionMonitor(config.NetworkOptions{
			URL:            url,
			ConnectTimeout: time.Second,
		}, nil)
		defer m.Cleanup()
		require.Error(t, m.Connect(context.Background()))
		require.False(t, m.Connected())
	})
}

func TestChannelURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8700", "ws://localhost:8700/channel"},
		{"https://exec.example.com", "wss://exec.example.com/channel"},
		{"ws://localhost:8700/", "ws://localhost:8700/channel"},
		{"wss://exec.example.com/custom", "wss://exec.example.com/custom"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, channelURL(tt.in))
	}
}
