package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/loggysh/loggy-go/agent/internal/metrics"
	"github.com/loggysh/loggy-go/pkg/types"
)

// maxBody bounds a single POST /api/v1/logs body.
const maxBody = 1 << 20

// Sink is the engine surface the HTTP handlers use.
type Sink interface {
	Log(level types.Level, tag, message string, err error)
	State() types.ConnectionState
	Status() (<-chan types.ConnectionState, func())
	Metrics() metrics.Snapshot
	WriteMetrics(w io.Writer) error
	Pending() int
}

// LogRequest is the body of POST /api/v1/logs.
type LogRequest struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	State   types.ConnectionState `json:"state"`
	Pending int                   `json:"pending"`
	Metrics metrics.Snapshot      `json:"metrics"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes the ingest endpoints.
type Server struct {
	sink   Sink
	router *mux.Router
	logger *slog.Logger
}

// New returns a Server backed by sink. logger may be nil.
func New(sink Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{sink: sink, router: mux.NewRouter(), logger: logger}

	s.router.HandleFunc("/api/v1/logs", s.postLog).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/status", s.status).Methods(http.MethodGet)
	s.router.Handle("/ws/status", &statusStream{sink: sink, logger: logger}).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.writeMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ingest: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) postLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		jsonErr(w, http.StatusBadRequest, "message is required")
		return
	}
	level, err := types.ParseLevel(req.Level)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	var logErr error
	if req.Error != "" {
		logErr = errors.New(req.Error)
	}
	s.sink.Log(level, req.Tag, req.Message, logErr)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, StatusResponse{
		State:   s.sink.State(),
		Pending: s.sink.Pending(),
		Metrics: s.sink.Metrics(),
	})
}

func (s *Server) writeMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.sink.WriteMetrics(w); err != nil {
		s.logger.Warn("ingest: write metrics", "err", err)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
