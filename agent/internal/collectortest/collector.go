package collectortest

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/loggysh/loggy-go/pkg/types"
	"github.com/loggysh/loggy-go/pkg/wire"
)

// Options configures a test collector.
type Options struct {
	// FirstSessionID is the id handed to the first InsertSession. Later
	// sessions count up from it. Defaults to 1.
	FirstSessionID int32

	// APIKey, when set, is required on every call.
	APIKey string
}

// Collector is a fake LoggyService.
type Collector struct {
	wire.UnimplementedLoggyServiceServer

	mu          sync.Mutex
	apps        map[string]string
	devices     map[string]string
	nextSession int32
	failNext    int
	sessions    []wire.Session
	live        []int32
	messages    []types.Message
	clients     []string
	arrived     chan struct{}
}

func newCollector(opts Options) *Collector {
	first := opts.FirstSessionID
	if first == 0 {
		first = 1
	}
	return &Collector{
		apps:        make(map[string]string),
		devices:     make(map[string]string),
		nextSession: first,
		arrived:     make(chan struct{}, 1),
	}
}

// FailRegistration makes the next n GetOrInsertApplication calls fail with
// codes.Unavailable.
func (c *Collector) FailRegistration(n int) {
	c.mu.Lock()
	c.failNext = n
	c.mu.Unlock()
}

func (c *Collector) GetOrInsertApplication(ctx context.Context, in *wire.Application) (*wire.Application, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordClient(ctx)
	if c.failNext > 0 {
		c.failNext--
		return nil, status.Error(codes.Unavailable, "registration disabled")
	}
	if in.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "application key is required")
	}
	id, ok := c.apps[in.Key]
	if !ok {
		id = fmt.Sprintf("app-%d", len(c.apps)+1)
		c.apps[in.Key] = id
	}
	out := *in
	out.ID = id
	return &out, nil
}

func (c *Collector) GetOrInsertDevice(_ context.Context, in *wire.Device) (*wire.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if in.AppID == "" {
		return nil, status.Error(codes.InvalidArgument, "app id is required")
	}
	key := in.AppID + "/" + in.InstallID
	id, ok := c.devices[key]
	if !ok {
		id = fmt.Sprintf("dev-%d", len(c.devices)+1)
		c.devices[key] = id
	}
	out := *in
	out.ID = id
	return &out, nil
}

func (c *Collector) InsertSession(_ context.Context, in *wire.Session) (*wire.SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if in.AppID == "" || in.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "app id and device id are required")
	}
	id := c.nextSession
	c.nextSession++
	c.sessions = append(c.sessions, *in)
	return &wire.SessionID{ID: id}, nil
}

func (c *Collector) RegisterSend(_ context.Context, in *wire.SessionID) (*wire.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = append(c.live, in.ID)
	return &wire.Ack{}, nil
}

func (c *Collector) Send(stream wire.LoggyService_SendServer) error {
	var n int64
	for {
		m, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&wire.Ack{Received: n})
		}
		if err != nil {
			return err
		}
		n++
		c.mu.Lock()
		c.messages = append(c.messages, *m)
		c.mu.Unlock()
		select {
		case c.arrived <- struct{}{}:
		default:
		}
	}
}

func (c *Collector) recordClient(ctx context.Context) {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get("client"); len(v) > 0 {
		c.clients = append(c.clients, v[0])
	}
}

// Messages returns a copy of every message received so far.
func (c *Collector) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.messages...)
}

// Sessions returns a copy of every InsertSession request.
func (c *Collector) Sessions() []wire.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Session(nil), c.sessions...)
}

// LiveSessions returns the ids passed to RegisterSend, in call order.
func (c *Collector) LiveSessions() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int32(nil), c.live...)
}

// Clients returns the "client" header of each application registration.
func (c *Collector) Clients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.clients...)
}

// WaitMessages blocks until at least n messages have arrived or timeout
// elapses, and returns what has arrived.
func (c *Collector) WaitMessages(n int, timeout time.Duration) []types.Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if msgs := c.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.arrived:
		case <-time.After(20 * time.Millisecond):
		case <-deadline.C:
			return c.Messages()
		}
	}
}

// Server is a running test collector.
type Server struct {
	*Collector

	addr string
	opts Options

	mu sync.Mutex
	gs *grpc.Server
}

// Start serves a new Collector on 127.0.0.1:0 until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("collectortest: listen: %v", err)
	}
	s := &Server{Collector: newCollector(opts), addr: lis.Addr().String(), opts: opts}
	s.serve(lis)
	t.Cleanup(s.Stop)
	return s
}

// Addr returns the host:port the collector listens on.
func (s *Server) Addr() string { return s.addr }

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gs != nil {
		s.gs.Stop()
		s.gs = nil
	}
}

// Restart serves again on the original address, keeping recorded state.
func (s *Server) Restart() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("collectortest: relisten %s: %w", s.addr, err)
	}
	s.serve(lis)
	return nil
}

func (s *Server) serve(lis net.Listener) {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(APIKeyUnary(s.opts.APIKey)),
		grpc.ChainStreamInterceptor(APIKeyStream(s.opts.APIKey)),
	)
	wire.RegisterLoggyServiceServer(gs, s.Collector)
	s.mu.Lock()
	s.gs = gs
	s.mu.Unlock()
	go gs.Serve(lis) //nolint:errcheck
}
