// Package wssink serves the telemetry stream as JSON over WebSocket. Clients
// that join late receive the most recent lines first.
package wssink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/gorilla/websocket"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/rowflo/internal/queue"
	"github.com/srg/rowflo/internal/sink"
	"github.com/srg/rowflo/pkg/config"
)

const (
	pingInterval   = 20 * time.Second
	writeTimeout   = 5 * time.Second
	clientBacklog  = 64
	shutdownWindow = 2 * time.Second
)

// Message is one telemetry line as sent to clients.
type Message struct {
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	Line       string    `json:"line"`
	ReceivedAt time.Time `json:"received_at"`
}

// Stats are sink counters.
type Stats struct {
	Lines       uint64
	Clients     int
	Dropped     uint64
	Overwritten uint64
}

type client struct {
	id   uint64
	send chan Message
}

// Sink is the WebSocket live feed.
type Sink struct {
	cfg    config.WebSocketConfig
	q      *queue.RelayQueue[string]
	logger *logrus.Logger
	now    func() time.Time

	upgrader websocket.Upgrader
	clients  *hashmap.Map[uint64, *client]
	nextID   atomic.Uint64

	// histMu orders history writes, snapshots and client registration so a
	// joining client sees every line exactly once.
	histMu  sync.Mutex
	history mpmc.RichOverlappedRingBuffer[Message]
	depth   int
	seq     uint64

	dropped, overwritten atomic.Uint64

	addrMu sync.Mutex
	addr   net.Addr
}

var _ sink.Sink = (*Sink)(nil)

// New creates a WebSocket sink draining q.
func New(cfg config.WebSocketConfig, q *queue.RelayQueue[string], logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Path == "" {
		cfg.Path = "/telemetry"
	}
	if cfg.History <= 0 {
		cfg.History = 1
	}
	return &Sink{
		cfg:    cfg,
		q:      q,
		logger: logger,
		now:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: hashmap.New[uint64, *client](),
		// One spare slot: a full ring holds one less than its size.
		history: mpmc.NewOverlappedRingBuffer[Message](uint32(cfg.History + 1)),
		depth:   cfg.History,
	}
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	s.histMu.Lock()
	lines := s.seq
	s.histMu.Unlock()
	return Stats{
		Lines:       lines,
		Clients:     s.clients.Len(),
		Dropped:     s.dropped.Load(),
		Overwritten: s.overwritten.Load(),
	}
}

// Addr returns the listening address once Run has bound it.
func (s *Sink) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Handler returns the HTTP handler serving the feed at the configured path.
func (s *Sink) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	return mux
}

// Run listens on the configured address and broadcasts every popped line
// until ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	s.logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "path": s.cfg.Path}).Info("WebSocket feed listening")

	drained := make(chan error, 1)
	go func() { drained <- sink.Drain(ctx, s.q, s.Publish) }()

	var runErr error
	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("websocket server stopped: %w", err)
		}
	case runErr = <-drained:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Debug("WebSocket shutdown incomplete")
		_ = srv.Close()
	}
	return runErr
}

// Publish records line in the history and queues it to every client. A
// client whose backlog is full misses the line.
func (s *Sink) Publish(line string) error {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	s.seq++
	msg := Message{Seq: s.seq, Line: line, ReceivedAt: s.now()}
	if line != "" {
		msg.Type = line[:1]
	}

	overwrites, err := s.history.EnqueueM(msg)
	if err != nil {
		return fmt.Errorf("history enqueue: %w", err)
	}
	s.overwritten.Add(uint64(overwrites))

	s.clients.Range(func(_ uint64, c *client) bool {
		select {
		case c.send <- msg:
		default:
			s.dropped.Add(1)
		}
		return true
	})
	return nil
}

// snapshot returns the buffered history, oldest first. The ring buffer only
// supports destructive reads, so it is drained and refilled. Caller holds
// histMu.
func (s *Sink) snapshot() []Message {
	var out []Message
	for !s.history.IsEmpty() {
		msg, err := s.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, msg)
	}
	for _, msg := range out {
		_, _ = s.history.EnqueueM(msg)
	}
	if len(out) > s.depth {
		out = out[len(out)-s.depth:]
	}
	return out
}

func (s *Sink) join() (*client, []Message) {
	c := &client{id: s.nextID.Add(1), send: make(chan Message, clientBacklog)}
	s.histMu.Lock()
	defer s.histMu.Unlock()
	backlog := s.snapshot()
	s.clients.Set(c.id, c)
	return c, backlog
}

func (s *Sink) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	c, backlog := s.join()
	defer s.clients.Del(c.id)

	log := s.logger.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr})
	log.Info("WebSocket client connected")
	defer log.Info("WebSocket client disconnected")

	// The read side only detects the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg Message) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}
	for _, msg := range backlog {
		if err := write(msg); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case msg := <-c.send:
			if err := write(msg); err != nil {
				log.WithError(err).Debug("WebSocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
