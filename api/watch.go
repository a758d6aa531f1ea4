package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentwatch/ingest"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
)

// Watch event types.
const (
	EventSnapshot = "snapshot"
	EventUnknown  = "unknown"
	EventUpdate   = "update"
)

// WatchEvent is one message on a watch stream.
type WatchEvent struct {
	Type    string     `json:"type"`
	AgentID string     `json:"agent_id"`
	Agent   *AgentView `json:"agent,omitempty"`
}

// WatchConfig tunes watch streams.
type WatchConfig struct {
	// Buffer is the number of updates held for a slow client. Updates
	// beyond it are dropped.
	Buffer int

	// PingInterval is the keepalive period. A client that misses two
	// pongs in a row is disconnected.
	PingInterval time.Duration

	WriteTimeout time.Duration
}

func (c *WatchConfig) applyDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := ingest.ValidateAgentID(id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer conn.Close()

	s.watchers.Add(1)
	defer s.watchers.Done()
	s.cfg.Metrics.WatcherConnected(1)
	defer s.cfg.Metrics.WatcherConnected(-1)

	log := s.log.With(logging.Fields{"agent": id, "remote": r.RemoteAddr})
	log.Debug("watch opened")

	events := make(chan WatchEvent, s.cfg.Watch.Buffer)
	var dropped atomic.Int64

	unsubscribe := s.cfg.Store.SubscribeWithSnapshot(id,
		func(rec liveness.Record) error {
			v := s.view(rec, s.cfg.Clock.Now())
			select {
			case events <- WatchEvent{Type: EventUpdate, AgentID: id, Agent: &v}:
			default:
				dropped.Add(1)
			}
			return nil
		},
		func(rec liveness.Record, found bool) {
			ev := WatchEvent{Type: EventUnknown, AgentID: id}
			if found {
				v := s.view(rec, s.cfg.Clock.Now())
				ev = WatchEvent{Type: EventSnapshot, AgentID: id, Agent: &v}
			}
			events <- ev
		})
	defer unsubscribe()

	s.stream(conn, events)

	if n := dropped.Load(); n > 0 {
		log.Warn("watch dropped updates for slow client", logging.Fields{"dropped": n})
	}
	log.Debug("watch closed")
}

// stream writes events and keepalive pings until the client goes away or
// the server shuts down.
func (s *Server) stream(conn *websocket.Conn, events <-chan WatchEvent) {
	cfg := s.cfg.Watch
	pongWait := 2 * cfg.PingInterval

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The read loop only services control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
