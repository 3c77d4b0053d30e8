package loggy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/loggysh/loggy-go/agent/internal/config"
	"github.com/loggysh/loggy-go/agent/internal/conn"
	"github.com/loggysh/loggy-go/agent/internal/crash"
	"github.com/loggysh/loggy-go/agent/internal/device"
	"github.com/loggysh/loggy-go/agent/internal/identity"
	"github.com/loggysh/loggy-go/agent/internal/metrics"
	"github.com/loggysh/loggy-go/agent/internal/session"
	"github.com/loggysh/loggy-go/agent/internal/settings"
	"github.com/loggysh/loggy-go/agent/internal/shipper"
	"github.com/loggysh/loggy-go/agent/internal/status"
	"github.com/loggysh/loggy-go/agent/internal/storage"
	"github.com/loggysh/loggy-go/agent/internal/transport"
	"github.com/loggysh/loggy-go/pkg/types"
	"github.com/loggysh/loggy-go/pkg/wire"
)

// ErrClosed is returned by Setup after Shutdown.
var ErrClosed = errors.New("loggy: engine shut down")

// DBFile is the database file name inside Options.DataDir.
const DBFile = "loggy.db"

// Engine ships log messages to a collector. Safe for concurrent use.
type Engine struct {
	opts   Options
	logger *slog.Logger

	db        *storage.DB
	queue     *storage.Queue
	sessions  *session.Store
	settings  *settings.Store
	registrar *identity.Registrar
	feed      *status.Feed
	conn      *conn.Manager
	streamer  *shipper.Streamer
	metrics   *metrics.Engine
	chain     *crash.Chain

	// local is the current setup's local session id; 0 before Setup.
	local atomic.Int32
	// remote is the collector id resolved for local; 0 until registered.
	remote atomic.Int32

	shutdown atomic.Bool

	mu          sync.Mutex
	apiKey      string
	endpoint    transport.Endpoint
	crashID     crash.ID
	crashActive bool
	hostID      crash.ID
	hostActive  bool
}

// New opens the engine's storage under opts.DataDir. The engine starts in
// StateInitial and queues everything logged until Setup connects it.
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("loggy: data dir is required")
	}
	if opts.AppName == "" {
		opts.AppName = filepath.Base(os.Args[0])
	}
	if opts.chain == nil {
		opts.chain = crash.Default
	}
	logger := internalLogger(opts.Logger)

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("loggy: create data dir: %w", err)
	}
	db, err := storage.Open(storage.Config{
		Path:   filepath.Join(opts.DataDir, DBFile),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("loggy: %w", err)
	}

	ctx := context.Background()
	queue, err := storage.NewQueue(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loggy: %w", err)
	}

	feed := status.NewFeed(func(s types.ConnectionState) {
		logger.Debug("loggy: state", "state", s.String())
	})
	e := &Engine{
		opts:     opts,
		logger:   logger,
		db:       db,
		queue:    queue,
		sessions: session.New(db, logger),
		settings: settings.New(db, logger),
		feed:     feed,
		metrics:  &metrics.Engine{},
		chain:    opts.chain,
	}
	e.metrics.QueueDepth = queue.Count
	e.metrics.State = e.feed.Current

	info := opts.Info
	if info == nil {
		installID, err := e.settings.InstallID(ctx, device.NewInstallID)
		if err != nil {
			logger.Warn("loggy: install id unavailable", "err", err)
		}
		info = device.Host{AppName: opts.AppName, AppVersion: opts.AppVersion, InstallID: installID}
	}
	e.registrar = &identity.Registrar{
		AppKey:   opts.AppName,
		Info:     info,
		Settings: e.settings,
		Logger:   logger,
	}

	e.streamer = shipper.New(shipper.Options{
		Queue:     queue,
		Sessions:  e.sessions,
		Buffer:    opts.StreamBuffer,
		Connected: func() bool { return e.feed.Current() == types.StateConnected },
		OnFailure: func(err error) { e.conn.ReportFailure(err) },
		Metrics:   e.metrics,
		Logger:    logger,
	})

	e.conn = conn.New(conn.Options{
		Feed:           e.feed,
		Dial:           e.dial,
		OnConnect:      e.register,
		OnConnected:    e.activate,
		OnDisconnect:   e.streamer.Deactivate,
		OnRetry:        func(int) { e.metrics.Reconnects.Add(1) },
		HealthInterval: opts.HealthInterval,
		SettleDelay:    opts.SettleDelay,
		ConnectTimeout: opts.ConnectTimeout,
		Backoff: conn.Backoff{
			Policy:      opts.Backoff.Policy,
			Step:        opts.Backoff.Step,
			Max:         opts.Backoff.Max,
			MaxAttempts: opts.Backoff.MaxAttempts,
		},
		Logger: logger,
	})

	logger.Debug("loggy: engine ready", "data_dir", opts.DataDir, "pending", queue.Count())
	return e, nil
}

// internalLogger picks the engine's own logger. When the process default
// logger forwards into an engine, the engine's diagnostics are discarded
// instead of being logged back into itself.
func internalLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(*Handler); ok {
		return slog.New(slog.DiscardHandler)
	}
	return l
}

// Setup connects the engine to endpoint. Any previous connection is closed
// first and a new local session id is minted, so every Setup starts a new
// session. It returns once background connection work has started; use
// Status to follow progress. A malformed endpoint moves the engine to
// StateInvalidHost and is returned as an error; it is never retried.
func (e *Engine) Setup(ctx context.Context, endpoint, apiKey string) error {
	if e.shutdown.Load() {
		return ErrClosed
	}
	e.conn.Close()
	if _, err := transport.ParseEndpoint(endpoint); err != nil {
		// Publishes StateInvalidHost and returns the error.
		return e.conn.Setup(ctx, endpoint)
	}

	e.mu.Lock()
	e.apiKey = apiKey
	e.mu.Unlock()

	if _, err := e.settings.Update(ctx, func(st *settings.Settings) { st.APIKey = apiKey }); err != nil {
		e.logger.Warn("loggy: persist api key", "err", err)
	}

	local, err := e.sessions.NewLocalID(ctx)
	if err != nil {
		e.logger.Error("loggy: mint local session id, messages will adopt the next remote session", "err", err)
		local = session.Unresolved
	}
	e.local.Store(local)
	e.remote.Store(session.Unresolved)
	e.logger.Debug("loggy: setup", "endpoint", endpoint, "local_session", local)

	e.installCrashHandler()
	return e.conn.Setup(ctx, endpoint)
}

// Close disconnects from the collector and removes the engine's crash
// handler. Messages logged afterwards are queued. Close is idempotent and
// Setup may be called again.
func (e *Engine) Close() {
	e.conn.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.crashActive {
		e.chain.Remove(e.crashID)
		e.crashActive = false
	}
}

// Shutdown closes the engine and its storage. The engine cannot be reused;
// later Log calls are dropped.
func (e *Engine) Shutdown() error {
	if e.shutdown.Swap(true) {
		return nil
	}
	e.Close()

	e.mu.Lock()
	if e.hostActive {
		e.chain.Remove(e.hostID)
		e.hostActive = false
	}
	e.mu.Unlock()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("loggy: shutdown: %w", err)
	}
	return nil
}

// Status returns a feed of connection state changes, starting with the
// current state. Slow readers only ever miss intermediate states. Call
// cancel to stop receiving.
func (e *Engine) Status() (<-chan State, func()) {
	return e.feed.Subscribe()
}

// State returns the current connection state.
func (e *Engine) State() State { return e.feed.Current() }

// Log records one message. It never blocks on the network. tag and err may
// be empty or nil.
func (e *Engine) Log(level Level, tag, message string, err error) {
	if e.shutdown.Load() {
		e.logger.Debug("loggy: log after shutdown dropped", "tag", tag)
		return
	}
	if !level.Valid() {
		level = types.LevelInfo
	}
	m := types.NewMessage(level, formatText(tag, message, err), e.local.Load(), time.Now())
	e.metrics.Logged.Add(1)
	e.streamer.Send(m)
}

func formatText(tag, message string, err error) string {
	text := message
	if tag != "" {
		text = tag + "\n" + message
	}
	if err != nil {
		text += "\n" + err.Error()
	}
	return text
}

// SetIdentity merges the non-nil fields into the stored user identity. The
// identity is attached to sessions created by later Setup calls.
func (e *Engine) SetIdentity(ctx context.Context, userID, email, userName *string) error {
	if err := e.settings.SetIdentity(ctx, userID, email, userName); err != nil {
		return fmt.Errorf("loggy: set identity: %w", err)
	}
	return nil
}

// InterceptUncaughtException installs handler in the crash chain, replacing
// any handler installed earlier through this method. A nil handler removes
// it. Handlers returning true suppress the re-panic in Recover. It reports
// whether a handler is now installed.
func (e *Engine) InterceptUncaughtException(handler func(CrashReport) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostActive {
		e.chain.Remove(e.hostID)
		e.hostActive = false
	}
	if handler == nil || e.shutdown.Load() {
		return false
	}
	e.hostID = e.chain.Install(crash.HandlerFunc(handler))
	e.hostActive = true
	return true
}

// Recover must be deferred directly at the top of a goroutine. A panic is
// recorded as a CRASH message, passed through the crash chain and then
// re-raised unless a handler suppressed it.
func (e *Engine) Recover() {
	v := recover()
	if v == nil {
		return
	}
	if !e.chain.Handle(v) {
		panic(v)
	}
}

func (e *Engine) installCrashHandler() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.crashActive {
		return
	}
	e.crashID = e.chain.Install(crash.HandlerFunc(e.recordCrash))
	e.crashActive = true
}

// recordCrash writes the crash straight to the durable queue.
func (e *Engine) recordCrash(r crash.Report) bool {
	m := types.NewMessage(types.LevelCrash, r.Text(), e.local.Load(), r.Time)
	e.metrics.Logged.Add(1)
	e.streamer.Enqueue(m)
	return false
}

// DeviceHash returns the short "app/device" support code, or "" before the
// first successful registration.
func (e *Engine) DeviceHash(ctx context.Context) string {
	st, err := e.settings.Load(ctx)
	if err != nil || st.AppID == "" || st.DeviceID == "" {
		return ""
	}
	return identity.DeviceHash(st.AppID, st.DeviceID)
}

// Pending returns the number of messages waiting in the durable queue.
func (e *Engine) Pending() int { return e.queue.Count() }

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() metrics.Snapshot { return e.metrics.Snapshot() }

// WriteMetrics writes the engine counters in Prometheus text format.
func (e *Engine) WriteMetrics(w io.Writer) error { return e.metrics.Write(w) }

// SessionIDs returns the current local session id and the remote id it
// resolved to, 0 while unresolved.
func (e *Engine) SessionIDs() (local, remote int32) {
	return e.local.Load(), e.remote.Load()
}

func (e *Engine) dial(ctx context.Context, ep transport.Endpoint) (*grpc.ClientConn, error) {
	e.mu.Lock()
	apiKey := e.apiKey
	e.endpoint = ep
	e.mu.Unlock()
	return transport.Dial(ctx, ep, transport.Options{
		APIKey:      apiKey,
		Auth:        e.authConfig(),
		Compression: e.opts.Compression,
		Extra:       e.opts.DialOptions,
	})
}

func (e *Engine) authConfig() config.AuthConfig {
	return config.AuthConfig{
		Mode:     e.opts.Auth.Mode,
		CertFile: e.opts.Auth.CertFile,
		KeyFile:  e.opts.Auth.KeyFile,
		CAFile:   e.opts.Auth.CAFile,
	}
}

// checkCert logs the state of the collector's TLS certificate.
func (e *Engine) checkCert(ctx context.Context) {
	e.mu.Lock()
	ep := e.endpoint
	e.mu.Unlock()

	cs := transport.CheckCert(ctx, ep, e.authConfig())
	if cs == nil {
		return
	}
	attrs := []any{"endpoint", cs.Endpoint, "issuer", cs.Issuer, "days_left", cs.DaysLeft}
	switch cs.Status {
	case transport.CertExpired:
		e.logger.Error("loggy: collector certificate expired", attrs...)
	case transport.CertExpiring:
		e.logger.Warn("loggy: collector certificate expiring", attrs...)
	default:
		e.logger.Debug("loggy: collector certificate "+cs.Status, attrs...)
	}
}

// register runs the identity sequence and maps the local session to the
// session the collector created.
func (e *Engine) register(ctx context.Context, cc *grpc.ClientConn) error {
	reg, err := e.registrar.Register(ctx, wire.NewLoggyServiceClient(cc))
	if err != nil {
		return err
	}
	local := e.local.Load()
	if local != session.Unresolved {
		if err := e.sessions.Resolve(ctx, local, reg.SessionID); err != nil {
			return fmt.Errorf("loggy: resolve session: %w", err)
		}
	}
	e.remote.Store(reg.SessionID)
	e.logger.Info("loggy: session registered",
		"local_session", local, "remote_session", reg.SessionID, "app_id", reg.AppID, "device_id", reg.DeviceID)
	return nil
}

func (e *Engine) activate(ctx context.Context, cc *grpc.ClientConn) error {
	go e.checkCert(ctx)
	client := wire.NewLoggyServiceClient(cc)
	if err := e.streamer.Activate(ctx, client, e.local.Load(), e.remote.Load()); err != nil {
		e.metrics.SendErrors.Add(1)
		return err
	}
	return nil
}
