package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loggysh/loggy-go/agent/internal/metrics"
	"github.com/loggysh/loggy-go/agent/internal/session"
	"github.com/loggysh/loggy-go/pkg/types"
	"github.com/loggysh/loggy-go/pkg/wire"
)

// DefaultBuffer is the in-memory channel capacity.
const DefaultBuffer = 10

// closeTimeout bounds the graceful half-close on Deactivate.
const closeTimeout = 2 * time.Second

// errWithheld stops a stream that was handed a message it cannot tag.
var errWithheld = errors.New("shipper: message session unresolved, withheld")

// Queue is the durable backlog.
type Queue interface {
	Append(ctx context.Context, record []byte)
	PushFront(ctx context.Context, records ...[]byte)
	PeekOldest(ctx context.Context) ([]byte, bool, error)
	RemoveOldest(ctx context.Context) error
	IsEmpty() bool
}

// Sessions resolves local session ids.
type Sessions interface {
	RemoteID(ctx context.Context, local int32) int32
}

// Options configures a Streamer.
type Options struct {
	Queue    Queue
	Sessions Sessions

	// Buffer is the channel capacity. Defaults to DefaultBuffer.
	Buffer int

	// Connected reports whether the connection manager is Connected.
	Connected func() bool

	// OnFailure is called, on its own goroutine, when an active stream
	// breaks.
	OnFailure func(error)

	Metrics *metrics.Engine
	Logger  *slog.Logger
}

// Streamer feeds the outbound stream. Safe for concurrent use.
type Streamer struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Engine

	// mu orders routing decisions in Send against requeues and drain
	// handoffs, so the queue and the channel never reorder messages.
	mu     sync.Mutex
	active *run
}

// run is one activated stream.
type run struct {
	stream wire.LoggyService_SendClient
	cancel context.CancelFunc
	buf    chan types.Message
	kick   chan struct{}
	space  chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	local  int32
	remote int32

	// failed is the message whose send failed while Deactivate was already
	// tearing the run down. Read only after wg.Wait.
	failed *types.Message
}

// New returns an inactive Streamer.
func New(opts Options) *Streamer {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Connected == nil {
		opts.Connected = func() bool { return true }
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func(error) {}
	}
	m := opts.Metrics
	if m == nil {
		m = &metrics.Engine{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{opts: opts, logger: logger, metrics: m}
}

// EncodeRecord serializes a message for the durable queue.
func EncodeRecord(m types.Message) ([]byte, error) {
	return wire.Marshal(m)
}

// DecodeRecord parses a queue record.
func DecodeRecord(b []byte) (types.Message, error) {
	var m types.Message
	if err := wire.Unmarshal(b, &m); err != nil {
		return types.Message{}, err
	}
	if !m.Level.Valid() {
		return types.Message{}, fmt.Errorf("shipper: invalid level %d", m.Level)
	}
	return m, nil
}

// Active reports whether a stream is running.
func (s *Streamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Activate opens the Send stream and starts the sender and drain loops.
// local and remote are the current setup's session ids; remote must
// already be resolved. Any previous stream is deactivated first.
func (s *Streamer) Activate(ctx context.Context, client wire.LoggyServiceClient, local, remote int32) error {
	s.Deactivate()

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.Send(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("shipper: open stream: %w", err)
	}

	r := &run{
		stream: stream,
		cancel: cancel,
		buf:    make(chan types.Message, s.opts.Buffer),
		kick:   make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
		local:  local,
		remote: remote,
	}

	s.mu.Lock()
	s.active = r
	s.mu.Unlock()

	r.wg.Add(2)
	go s.sendLoop(r)
	go s.drainLoop(r)
	signal(r.kick)

	s.logger.Debug("shipper: stream active", "local_session", local, "session", remote)
	return nil
}

// Deactivate stops the active stream, if any. Messages still in the
// channel go back to the head of the queue. Safe to call repeatedly.
func (s *Streamer) Deactivate() {
	s.mu.Lock()
	r := s.active
	s.active = nil
	s.mu.Unlock()
	if r == nil {
		return
	}

	close(r.stop)
	r.wg.Wait()

	s.mu.Lock()
	if r.failed != nil {
		s.requeue(r, *r.failed)
	} else {
		s.requeue(r)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.stream.CloseAndRecv(); err != nil {
			s.logger.Debug("shipper: close stream", "err", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
	}
	r.cancel()
	s.logger.Debug("shipper: stream stopped")
}

// Send routes m to the stream or the durable queue. It never blocks on the
// network.
func (s *Streamer) Send(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if r == nil || !s.opts.Connected() || !s.opts.Queue.IsEmpty() {
		s.enqueue(m)
		if r != nil {
			signal(r.kick)
		}
		return
	}

	select {
	case r.buf <- m:
	default:
		s.enqueue(m)
	}
	signal(r.kick)
}

// Enqueue appends m to the durable queue regardless of stream state. Crash
// reports use it so the message survives the process exiting.
func (s *Streamer) Enqueue(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(m)
	if s.active != nil {
		signal(s.active.kick)
	}
}

// enqueue appends m to the durable queue. Caller holds s.mu.
func (s *Streamer) enqueue(m types.Message) {
	rec, err := EncodeRecord(m)
	if err != nil {
		s.logger.Error("shipper: encode message, dropped", "err", err)
		return
	}
	s.opts.Queue.Append(context.Background(), rec)
	s.metrics.Queued.Add(1)
}

// requeue pushes first (if non-nil) and everything left in r.buf back to
// the head of the queue. Caller holds s.mu.
func (s *Streamer) requeue(r *run, first ...types.Message) {
	msgs := first
	for {
		select {
		case m := <-r.buf:
			msgs = append(msgs, m)
			continue
		default:
		}
		break
	}
	if len(msgs) == 0 {
		return
	}
	recs := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		rec, err := EncodeRecord(m)
		if err != nil {
			s.logger.Error("shipper: encode message, dropped", "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	s.opts.Queue.PushFront(context.Background(), recs...)
	s.logger.Debug("shipper: requeued in-flight messages", "count", len(recs))
}

func (s *Streamer) sendLoop(r *run) {
	defer r.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-r.stop:
			return
		case m := <-r.buf:
			out, ok := s.rewrite(ctx, r, m)
			if !ok {
				s.metrics.Withheld.Add(1)
				s.abort(r, m, errWithheld)
				return
			}
			if err := r.stream.Send(&out); err != nil {
				s.metrics.SendErrors.Add(1)
				s.abort(r, m, err)
				return
			}
			s.metrics.Sent.Add(1)
			signal(r.space)
		}
	}
}

// rewrite gives m a remote session id, or reports false if it has none.
func (s *Streamer) rewrite(ctx context.Context, r *run, m types.Message) (types.Message, bool) {
	id := m.SessionID
	switch {
	case id == session.Unresolved:
		return m.WithSessionID(r.remote), true
	case !session.IsLocal(id):
		return m, true
	}
	if remote := s.opts.Sessions.RemoteID(ctx, id); remote != session.Unresolved {
		return m.WithSessionID(remote), true
	}
	if id != r.local {
		// Left unresolved by an earlier setup that never registered.
		return m.WithSessionID(r.remote), true
	}
	return m, false
}

// abort tears r down from inside its own send loop after a failure.
func (s *Streamer) abort(r *run, failed types.Message, err error) {
	s.mu.Lock()
	if s.active != r {
		// Deactivate owns teardown and requeues after the loops exit.
		r.failed = &failed
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.requeue(r, failed)
	s.mu.Unlock()

	close(r.stop)
	r.cancel()
	s.logger.Warn("shipper: stream failed, backlog requeued", "err", err)
	go s.opts.OnFailure(err)
}

func (s *Streamer) drainLoop(r *run) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-r.kick:
		}
		s.drain(r)
	}
}

// drain hands queued records to the channel, oldest first, until the queue
// is empty, the stream stops or the connection drops.
func (s *Streamer) drain(r *run) {
	ctx := context.Background()
	for {
		s.mu.Lock()
		if s.active != r || !s.opts.Connected() {
			s.mu.Unlock()
			return
		}
		rec, ok, err := s.opts.Queue.PeekOldest(ctx)
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("shipper: queue read failed, drain paused", "err", err)
			return
		}
		if !ok {
			s.mu.Unlock()
			return
		}

		m, err := DecodeRecord(rec)
		if err != nil {
			s.logger.Error("shipper: corrupt queue record discarded", "bytes", len(rec), "err", err)
			s.metrics.Corrupt.Add(1)
			if err := s.opts.Queue.RemoveOldest(ctx); err != nil {
				s.mu.Unlock()
				s.logger.Error("shipper: queue remove failed, drain paused", "err", err)
				return
			}
			s.mu.Unlock()
			continue
		}

		select {
		case r.buf <- m:
			err := s.opts.Queue.RemoveOldest(ctx)
			s.mu.Unlock()
			if err != nil {
				s.logger.Error("shipper: queue remove failed, drain paused", "err", err)
				return
			}
			s.metrics.Drained.Add(1)
			continue
		default:
			s.mu.Unlock()
		}

		select {
		case <-r.stop:
			return
		case <-r.space:
		}
	}
}

// signal does a non-blocking send on a one-slot channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
