package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/loggysh/loggy-go/agent/internal/status"
	"github.com/loggysh/loggy-go/agent/internal/transport"
	"github.com/loggysh/loggy-go/pkg/types"
)

// Defaults applied to zero Options fields.
const (
	DefaultHealthInterval = 2 * time.Second
	DefaultSettleDelay    = 750 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
)

// DialFunc opens a client connection to ep without blocking.
type DialFunc func(ctx context.Context, ep transport.Endpoint) (*grpc.ClientConn, error)

// Options configures a Manager.
type Options struct {
	Feed *status.Feed
	Dial DialFunc

	// OnConnect runs once the transport is ready and performs registration.
	// ctx is cancelled when the connection is torn down. A non-nil error
	// fails the attempt.
	OnConnect func(ctx context.Context, cc *grpc.ClientConn) error

	// OnConnected runs after the state has moved to Connected and activates
	// streaming. A non-nil error fails the attempt like a registration
	// error; later failures are reported through ReportFailure.
	OnConnected func(ctx context.Context, cc *grpc.ClientConn) error

	// OnDisconnect is called whenever the manager leaves Connected or is
	// closed. It must be idempotent.
	OnDisconnect func()

	// OnRetry is called at the start of every reconnect attempt.
	OnRetry func(attempt int)

	HealthInterval time.Duration
	SettleDelay    time.Duration
	ConnectTimeout time.Duration
	Backoff        Backoff

	Logger *slog.Logger
}

// Manager is the connection state machine. Safe for concurrent use.
type Manager struct {
	opts   Options
	feed   *status.Feed
	logger *slog.Logger

	// after is time.After; tests substitute a controllable clock.
	after func(time.Duration) <-chan time.Time

	// connState reads the transport state; tests substitute failures.
	connState func(*grpc.ClientConn) connectivity.State

	// lifecycle serializes Setup and Close.
	lifecycle sync.Mutex

	// establishMu serializes registration attempts.
	establishMu sync.Mutex

	mu       sync.Mutex
	cc       *grpc.ClientConn
	runCtx   context.Context
	cancel   context.CancelFunc
	attempts int
	retrying bool
	// rearm records a failure reported while a retry loop was running; the
	// loop makes another attempt instead of exiting.
	rearm bool

	wg sync.WaitGroup
}

// New returns a Manager in StateInitial.
func New(opts Options) *Manager {
	if opts.Feed == nil {
		opts.Feed = status.NewFeed(nil)
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.OnConnect == nil {
		opts.OnConnect = func(context.Context, *grpc.ClientConn) error { return nil }
	}
	if opts.OnConnected == nil {
		opts.OnConnected = func(context.Context, *grpc.ClientConn) error { return nil }
	}
	if opts.OnDisconnect == nil {
		opts.OnDisconnect = func() {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		feed:      opts.Feed,
		logger:    logger,
		after:     time.After,
		connState: (*grpc.ClientConn).GetState,
	}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState { return m.feed.Current() }

// Attempts returns the reconnect attempt counter. It resets to zero on a
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Setup tears down any previous connection, validates endpoint, dials it and
// starts the background establish and health tasks. It returns once those
// tasks are started; connection progress is reported through the feed.
// A malformed endpoint leaves the manager in InvalidHost and returns an
// error wrapping transport.ErrInvalidEndpoint.
func (m *Manager) Setup(ctx context.Context, endpoint string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.closeLocked()
	m.feed.Set(types.StateSetup)

	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		m.logger.Error("conn: invalid endpoint", "endpoint", endpoint, "err", err)
		m.feed.Set(types.StateInvalidHost)
		return err
	}

	cc, err := m.opts.Dial(ctx, ep)
	if err != nil {
		m.logger.Error("conn: dial failed", "endpoint", ep.String(), "err", err)
		m.feed.Set(types.StateFailed)
		return fmt.Errorf("conn: setup: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cc = cc
	m.runCtx = runCtx
	m.cancel = cancel
	m.attempts = 0
	m.retrying = false
	m.rearm = false
	m.mu.Unlock()

	m.feed.Set(types.StateConnecting)
	m.logger.Info("conn: connecting", "endpoint", ep.String())

	m.wg.Add(2)
	go m.healthLoop(runCtx, cc)
	go func() {
		defer m.wg.Done()
		if err := m.establish(runCtx, cc); err != nil {
			if runCtx.Err() != nil {
				return
			}
			m.fail(err)
		}
	}()
	return nil
}

// Retry starts a reconnect loop unless one is already running or there is
// no connection. It reports whether a loop was started. A loop that finds
// the connection healthy after its backoff delay resumes without
// re-registering.
func (m *Manager) Retry() bool {
	return m.retry(false)
}

// retry starts a loop. With rearm set, a loop already in flight is told to
// make one more attempt before it exits.
func (m *Manager) retry(rearm bool) bool {
	m.mu.Lock()
	if m.cc == nil || m.runCtx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if m.retrying {
		if rearm {
			m.rearm = true
		}
		m.mu.Unlock()
		return false
	}
	m.retrying = true
	m.rearm = false
	m.attempts++
	attempt := m.attempts
	ctx, cc := m.runCtx, m.cc
	m.wg.Add(1)
	m.mu.Unlock()

	go m.retryLoop(ctx, cc, attempt)
	return true
}

// ReportFailure is called by users of the connection (the streamer) when an
// RPC on it fails. If the manager believed it was connected it moves to
// Failed and starts a retry.
func (m *Manager) ReportFailure(err error) {
	if m.State() != types.StateConnected {
		return
	}
	m.fail(err)
}

// Close tears down the connection and stops every background task, then
// returns to Initial. Calling Close without a connection does nothing.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	m.mu.Lock()
	cc, cancel := m.cc, m.cancel
	m.cc, m.cancel = nil, nil
	m.mu.Unlock()
	if cc == nil {
		return
	}

	m.feed.Set(types.StateDisconnecting)
	cancel()
	m.wg.Wait()
	m.opts.OnDisconnect()
	if err := cc.Close(); err != nil {
		m.logger.Debug("conn: close transport", "err", err)
	}

	m.mu.Lock()
	m.attempts = 0
	m.retrying = false
	m.rearm = false
	m.mu.Unlock()

	m.feed.Set(types.StateInitial)
	m.logger.Info("conn: closed")
}

// fail publishes Failed, notifies the disconnect hook and starts a retry.
func (m *Manager) fail(err error) {
	if isPermanentError(err) {
		m.logger.Error("conn: collector rejected the client, check the api key and endpoint", "err", err)
	} else {
		m.logger.Warn("conn: connection failed", "err", err)
	}
	m.feed.Set(types.StateFailed)
	m.opts.OnDisconnect()
	m.retry(true)
}

func (m *Manager) retryLoop(ctx context.Context, cc *grpc.ClientConn, attempt int) {
	defer m.wg.Done()

	for {
		delay, ok := m.opts.Backoff.Delay(attempt)
		if !ok {
			m.logger.Error("conn: giving up after max attempts", "attempts", attempt-1)
			m.feed.Set(types.StateFailed)
			m.endRetry()
			return
		}
		if m.opts.OnRetry != nil {
			m.opts.OnRetry(attempt)
		}
		m.logger.Info("conn: retrying", "attempt", attempt, "retry_in", delay)

		select {
		case <-ctx.Done():
			m.endRetry()
			return
		case <-m.after(delay):
		}

		m.mu.Lock()
		m.rearm = false
		m.mu.Unlock()

		var err error
		if m.healthy(cc) {
			m.logger.Info("conn: connection healthy, resuming", "attempt", attempt)
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
		} else {
			cc.ResetConnectBackoff()
			err = m.establish(ctx, cc)
		}
		if ctx.Err() != nil {
			m.endRetry()
			return
		}
		if err != nil {
			m.logger.Warn("conn: retry failed", "attempt", attempt, "err", err)
			m.feed.Set(types.StateFailed)
			m.opts.OnDisconnect()
		}

		m.mu.Lock()
		if err == nil && !m.rearm {
			m.retrying = false
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt = m.attempts
		m.mu.Unlock()
	}
}

func (m *Manager) endRetry() {
	m.mu.Lock()
	m.retrying = false
	m.rearm = false
	m.mu.Unlock()
}

// healthy reports whether the manager is Connected over a READY transport.
func (m *Manager) healthy(cc *grpc.ClientConn) bool {
	return m.State() == types.StateConnected && m.connState(cc) == connectivity.Ready
}

// establish waits for the transport to become ready, re-verifies it after
// the settle delay and runs OnConnect. On success the state is Connected
// and OnConnected has been called.
func (m *Manager) establish(ctx context.Context, cc *grpc.ClientConn) error {
	m.establishMu.Lock()
	defer m.establishMu.Unlock()

	if m.State() == types.StateConnected {
		return nil
	}
	m.feed.Set(types.StateConnecting)

	if err := m.waitReady(ctx, cc); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.after(m.opts.SettleDelay):
	}
	if st := m.connState(cc); st != connectivity.Ready {
		return fmt.Errorf("conn: transport %s after settle delay", st)
	}

	if err := m.opts.OnConnect(ctx, cc); err != nil {
		return fmt.Errorf("conn: register: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.feed.Set(types.StateConnected)
	m.logger.Info("conn: connected")
	if err := m.opts.OnConnected(ctx, cc); err != nil {
		return fmt.Errorf("conn: activate: %w", err)
	}
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	return nil
}

func (m *Manager) waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	cc.Connect()
	for {
		st := cc.GetState()
		switch st {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			cc.Connect()
		case connectivity.Shutdown:
			return errors.New("conn: transport shut down")
		}
		if !cc.WaitForStateChange(waitCtx, st) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("conn: transport not ready within %s (state %s)", m.opts.ConnectTimeout, st)
		}
	}
}

func (m *Manager) healthLoop(ctx context.Context, cc *grpc.ClientConn) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.State() != types.StateConnected {
			continue
		}
		m.mu.Lock()
		retrying := m.retrying
		m.mu.Unlock()
		if retrying {
			continue
		}

		st := m.connState(cc)
		mapped := MapConnectivity(st)
		if mapped == types.StateConnected {
			continue
		}
		if st == connectivity.Idle {
			cc.Connect()
		}
		m.logger.Warn("conn: health check failed", "transport", st.String())
		m.feed.Set(mapped)
		m.opts.OnDisconnect()
		m.Retry()
	}
}

// MapConnectivity converts a gRPC transport state to a ConnectionState.
func MapConnectivity(s connectivity.State) types.ConnectionState {
	switch s {
	case connectivity.Ready:
		return types.StateConnected
	case connectivity.Connecting:
		return types.StateConnecting
	case connectivity.Idle:
		return types.StateInitial
	default:
		return types.StateFailed
	}
}

// isPermanentError reports gRPC errors that a reconnect alone cannot fix.
// They are still retried: the collector may be reconfigured.
func isPermanentError(err error) bool {
	switch grpcstatus.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}
