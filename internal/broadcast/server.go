// Package broadcast implements the TCP fan-out server that distributes
// serialized motion-capture frames to any number of independently-paced
// subscribers, plus the pacer that drives the poll/publish loop.
package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/monitoring"
	"github.com/SooratiLab/vicon/internal/stats"
)

// ServerConfig contains configuration options for the broadcast server.
type ServerConfig struct {
	// Addr is the TCP bind address, e.g. ":5555".
	Addr string

	// QueueSize is the per-subscriber pending message capacity. A subscriber
	// whose queue is full when a message is published is evicted: it has
	// fallen too far behind to be worth keeping. Defaults to 32.
	QueueSize int

	// WriteTimeout bounds a single socket write to one subscriber. Defaults
	// to 5s.
	WriteTimeout time.Duration
}

// Server accepts TCP subscribers and fans published frames out to all of
// them. Each publish serializes the frame exactly once; each subscriber has
// its own bounded outbound queue and writer goroutine so a slow or dead
// subscriber never stalls the frame-production loop or its peers.
type Server struct {
	cfg        ServerConfig
	serializer mocap.Serializer
	tracker    *stats.RateTracker

	ln net.Listener
	wg sync.WaitGroup

	mu          sync.Mutex
	subscribers map[string]*subscriber
	channels    map[string]chan []byte // in-process subscribers
	lastPayload []byte
	started     bool
	closed      bool
	evicted     int64
}

// subscriber is one connected TCP client.
type subscriber struct {
	id    string
	conn  net.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *subscriber) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewServer creates a broadcast server for the given bind address and
// serializer. Call Start to begin accepting subscribers.
func NewServer(cfg ServerConfig, serializer mocap.Serializer) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		cfg:         cfg,
		serializer:  serializer,
		tracker:     stats.NewRateTracker(nil),
		subscribers: make(map[string]*subscriber),
		channels:    make(map[string]chan []byte),
	}
}

// Start binds the listening socket and launches the accept loop. There is no
// handshake: an accepted subscriber simply begins receiving from the next
// published frame.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("broadcast server already stopped")
	}
	if s.started {
		return fmt.Errorf("broadcast server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop()

	monitoring.Logf("broadcast server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, usable after Start. Handy when the
// configured address had port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Accept fails once the listener is closed by Stop. Anything else
			// is logged, but either way the loop is done.
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				monitoring.Logf("broadcast accept error: %v", err)
			}
			return
		}
		s.addSubscriber(conn)
	}
}

func (s *Server) addSubscriber(conn net.Conn) {
	sub := &subscriber{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, s.cfg.QueueSize),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.subscribers[sub.id] = sub
	count := len(s.subscribers)
	s.mu.Unlock()

	monitoring.Logf("broadcast client connected: %s (%d active)", conn.RemoteAddr(), count)

	s.wg.Add(1)
	go s.writeLoop(sub)
}

// writeLoop drains one subscriber's queue onto its socket. A write error or
// timeout evicts the subscriber; nothing here is visible to other
// subscribers or to Publish.
func (s *Server) writeLoop(sub *subscriber) {
	defer s.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.queue:
			sub.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := sub.conn.Write(payload); err != nil {
				s.evict(sub, fmt.Sprintf("write failed: %v", err))
				return
			}
		}
	}
}

// evict removes a subscriber and closes its connection. Eviction is a local,
// silent event: it is logged but never reported as a publish error.
func (s *Server) evict(sub *subscriber, reason string) {
	s.mu.Lock()
	_, present := s.subscribers[sub.id]
	delete(s.subscribers, sub.id)
	if present {
		s.evicted++
	}
	count := len(s.subscribers)
	s.mu.Unlock()

	sub.close()
	if present {
		monitoring.Logf("broadcast client %s evicted (%s, %d active)", sub.conn.RemoteAddr(), reason, count)
	}
}

// Publish serializes the frame once and enqueues the payload to every current
// subscriber. It never blocks on any subscriber's I/O: a subscriber whose
// queue is already full is evicted while delivery to the rest proceeds.
func (s *Server) Publish(frame *mocap.Frame) error {
	payload, err := s.serializer.Marshal(frame)
	if err != nil {
		return err
	}
	s.publishPayload(payload)
	return nil
}

func (s *Server) publishPayload(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastPayload = payload

	// All sends happen under s.mu: Unsubscribe and Stop close in-process
	// channels under the same lock, so a viewer disconnecting mid-publish can
	// never turn a send into a send-on-closed-channel panic. The sends are
	// non-blocking, so holding the lock here is cheap.
	var overflowed []*subscriber
	for _, sub := range s.subscribers {
		select {
		case sub.queue <- payload:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	// In-process subscribers just miss a message when full; they are not
	// network peers and have nothing to disconnect.
	for _, ch := range s.channels {
		select {
		case ch <- payload:
		default:
		}
	}
	s.mu.Unlock()

	// evict retakes s.mu, so overflowing subscribers are dropped after the
	// fan-out completes.
	for _, sub := range overflowed {
		s.evict(sub, "queue overflow")
	}
	s.tracker.Record(len(payload))
}

// Subscribe registers an in-process consumer of published payloads, such as
// the websocket relay. The returned ID identifies the channel for
// Unsubscribe.
func (s *Server) Subscribe() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, 16)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[id] = ch
	return id, ch
}

// Unsubscribe removes an in-process consumer and closes its channel.
func (s *Server) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[id]; ok {
		close(ch)
		delete(s.channels, id)
	}
}

// ClientCount returns the number of currently connected TCP subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// LastPayload returns the most recently published wire line, or nil before
// the first publish.
func (s *Server) LastPayload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPayload
}

// Stats summarises publish throughput and the subscriber set.
type Stats struct {
	stats.Summary
	Clients int   `json:"clients"`
	Evicted int64 `json:"evicted"`
}

// Stats returns a snapshot of publish statistics.
func (s *Server) Stats() Stats {
	summary := s.tracker.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Summary: summary,
		Clients: len(s.subscribers),
		Evicted: s.evicted,
	}
}

// Stop closes the listening socket and every subscriber connection, then
// waits for all server goroutines to exit. Safe to call from any goroutine
// and idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[string]*subscriber)
	for id, ch := range s.channels {
		close(ch)
		delete(s.channels, id)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sub := range subs {
		sub.close()
	}
	s.wg.Wait()
	monitoring.Logf("broadcast server stopped")
	return err
}

// Run is a convenience wrapper that starts the server and stops it when ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
