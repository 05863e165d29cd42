package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"phobos.org.uk/overseer/internal/config"
	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/protocol"
)

// UnifiedMonitor composes the two strategies behind one normalized API.
// It creates exactly one active strategy per Start, owns its handle
// exclusively, and disposes it on Stop/Cleanup. When the network strategy
// cannot connect and fallback is configured, the failed instance is fully
// disposed before the subprocess replacement is created.
type UnifiedMonitor struct {
	log *logging.Logger

	mu      sync.Mutex
	cb      Callbacks
	state   State
	network *NetworkSessionMonitor
	subproc *SubprocessMonitor
	active  Strategy
}

// NewUnifiedMonitor creates an inactive unified monitor. A nil logger
// discards diagnostics.
func NewUnifiedMonitor(log *logging.Logger) *UnifiedMonitor {
	if log == nil {
		log = logging.Discard()
	}
	return &UnifiedMonitor{
		log:   log.WithComponent("monitor"),
		state: State{ActiveStrategy: StrategyNone},
	}
}

// RegisterCallbacks merges the given observers into the existing set.
func (u *UnifiedMonitor) RegisterCallbacks(cb Callbacks) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cb.merge(cb)
}

// forwarders wraps the caller's observer set: the manager's own state is
// updated first, so GetState observed from inside a callback is always
// consistent with the event being handled.
func (u *UnifiedMonitor) forwarders() Callbacks {
	return Callbacks{
		OnStatusChange: func(s Status) {
			u.mu.Lock()
			u.state.Running = s.Processing
			cb := u.cb
			u.mu.Unlock()
			cb.statusChange(s)
		},
		OnEvent: func(e Event) {
			u.mu.Lock()
			cb := u.cb
			u.mu.Unlock()
			cb.event(e)
		},
		OnOutput: func(line, stream string) {
			u.mu.Lock()
			cb := u.cb
			u.mu.Unlock()
			cb.output(line, stream)
		},
		OnCompletion: func(result json.RawMessage) {
			u.mu.Lock()
			u.state.Running = false
			cb := u.cb
			u.mu.Unlock()
			cb.completion(result)
		},
		OnError: func(err error) {
			u.mu.Lock()
			u.state.LastError = err
			cb := u.cb
			u.mu.Unlock()
			cb.failure(err)
		},
		OnAborted: func() {
			u.mu.Lock()
			u.state.Running = false
			cb := u.cb
			u.mu.Unlock()
			cb.aborted()
		},
		OnConnected: func() {
			u.mu.Lock()
			u.state.Connected = true
			cb := u.cb
			u.mu.Unlock()
			cb.connected()
		},
		OnDisconnected: func() {
			u.mu.Lock()
			u.state.Connected = false
			cb := u.cb
			u.mu.Unlock()
			cb.disconnected()
		},
	}
}

// Start activates the strategy selected by cfg. For a network config whose
// connection fails, fallback (when enabled and configured) swallows the
// connect error and starts the subprocess strategy instead; without fallback
// the error propagates. A subprocess config starts directly; it is already
// the degraded path and never falls back further.
func (u *UnifiedMonitor) Start(ctx context.Context, cfg *config.MonitorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	u.mu.Lock()
	if u.active != nil {
		u.mu.Unlock()
		return fmt.Errorf("%w: monitor already started", ErrAlreadyRunning)
	}
	u.mu.Unlock()

	switch cfg.Kind {
	case config.KindNetwork:
		netm := NewNetworkSessionMonitor(*cfg.Network, u.log)
		netm.RegisterCallbacks(u.forwarders())

		u.mu.Lock()
		u.state.ActiveStrategy = StrategyNetwork
		u.mu.Unlock()

		if err := netm.Connect(ctx); err != nil {
			netm.Cleanup()
			if cfg.EnableFallback && cfg.FallbackSubprocess != nil {
				u.log.Warn("network strategy unavailable, falling back to subprocess", map[string]any{
					"url":   cfg.Network.URL,
					"error": err.Error(),
				})
				return u.startSubprocess(ctx, *cfg.FallbackSubprocess)
			}
			u.mu.Lock()
			u.state = State{ActiveStrategy: StrategyNone, LastError: err}
			u.mu.Unlock()
			return err
		}

		now := time.Now()
		u.mu.Lock()
		u.network = netm
		u.active = netm
		u.state.Connected = true
		u.state.StartedAt = &now
		u.mu.Unlock()
		return nil

	case config.KindSubprocess:
		return u.startSubprocess(ctx, *cfg.Subprocess)

	default:
		return fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
}

func (u *UnifiedMonitor) startSubprocess(ctx context.Context, opts config.SubprocessOptions) error {
	sp := NewSubprocessMonitor(opts, u.log)
	sp.RegisterCallbacks(u.forwarders())

	u.mu.Lock()
	u.state.ActiveStrategy = StrategySubprocess
	u.state.Connected = false
	u.mu.Unlock()

	if err := sp.Start(ctx); err != nil {
		sp.Cleanup()
		u.mu.Lock()
		u.state = State{ActiveStrategy: StrategyNone, LastError: err}
		u.mu.Unlock()
		return err
	}

	now := time.Now()
	u.mu.Lock()
	u.subproc = sp
	u.active = sp
	u.state.Running = true
	u.state.StartedAt = &now
	u.mu.Unlock()
	return nil
}

// JoinSession joins a server-side session. Valid only while the network
// strategy is active.
func (u *UnifiedMonitor) JoinSession(id string) error {
	u.mu.Lock()
	netm := u.network
	u.mu.Unlock()
	if netm == nil {
		return ErrNetworkOnly
	}

	if err := netm.JoinSession(id); err != nil {
		return err
	}

	u.mu.Lock()
	u.state.SessionID = id
	u.mu.Unlock()
	return nil
}

// SendQuery routes text to whichever strategy is active: a query over the
// channel, or a best-effort stdin write to the worker.
func (u *UnifiedMonitor) SendQuery(text string) error {
	u.mu.Lock()
	active := u.active
	u.mu.Unlock()
	if active == nil {
		return fmt.Errorf("%w: cannot send query", ErrNoStrategy)
	}
	return active.Send(text)
}

// Abort requests termination of the running task. Returns whether an abort
// was actually initiated.
func (u *UnifiedMonitor) Abort() bool {
	u.mu.Lock()
	active := u.active
	u.mu.Unlock()
	if active == nil {
		return false
	}
	return active.Abort()
}

// ServerStatus queries the execution server. Network strategy only.
func (u *UnifiedMonitor) ServerStatus(ctx context.Context) (protocol.ServerStatus, error) {
	u.mu.Lock()
	netm := u.network
	u.mu.Unlock()
	if netm == nil {
		return protocol.ServerStatus{}, ErrNetworkOnly
	}
	return netm.ServerStatus(ctx)
}

// Ping reports liveness of the active strategy: the channel ping when
// network is active, a process liveness check when subprocess is active.
// It never fails.
func (u *UnifiedMonitor) Ping(ctx context.Context) bool {
	u.mu.Lock()
	active := u.active
	u.mu.Unlock()
	if active == nil {
		return false
	}
	return active.Ping(ctx)
}

// Status returns the active strategy's normalized status snapshot.
func (u *UnifiedMonitor) Status() Status {
	u.mu.Lock()
	active := u.active
	u.mu.Unlock()
	if active == nil {
		return Status{Strategy: StrategyNone}
	}
	return active.Status()
}

// GetState returns the unified state snapshot.
func (u *UnifiedMonitor) GetState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Stop tears down whichever strategy is active and resets state. Safe to
// call even if the monitor was never started.
func (u *UnifiedMonitor) Stop() { u.Cleanup() }

// Cleanup disposes the active strategy and resets state to none. Idempotent.
func (u *UnifiedMonitor) Cleanup() {
	u.mu.Lock()
	netm := u.network
	sp := u.subproc
	u.network = nil
	u.subproc = nil
	u.active = nil
	u.state = State{ActiveStrategy: StrategyNone}
	u.mu.Unlock()

	if netm != nil {
		netm.Cleanup()
	}
	if sp != nil {
		sp.Cleanup()
	}
}
