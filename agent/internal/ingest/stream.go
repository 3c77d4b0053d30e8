package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loggysh/loggy-go/pkg/types"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ingest surface binds to loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StateEvent is the JSON message pushed to websocket clients.
type StateEvent struct {
	Event string                `json:"event"`
	State types.ConnectionState `json:"state"`
	Time  time.Time             `json:"time"`
}

// statusStream upgrades to a websocket and forwards the engine's status
// feed until either side goes away.
type statusStream struct {
	sink   Sink
	logger *slog.Logger
}

func (s *statusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	states, cancel := s.sink.Status()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()
	s.writePump(conn, states, done)
}

// writePump sends one event per state change plus periodic pings. It
// returns when the feed closes, the reader sees a disconnect or a write
// fails.
func (s *statusStream) writePump(conn *websocket.Conn, states <-chan types.ConnectionState, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case st, ok := <-states:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			msg, err := json.Marshal(StateEvent{Event: "state", State: st, Time: time.Now().UTC()})
			if err != nil {
				s.logger.Warn("ingest: encode state event", "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump processes control frames and detects disconnects. Blocks until
// the connection closes.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
