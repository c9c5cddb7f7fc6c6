package listener

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/monitoring"
	"github.com/SooratiLab/vicon/internal/stats"
	"github.com/SooratiLab/vicon/internal/timeutil"
	"github.com/SooratiLab/vicon/internal/units"
)

// State is the listener's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config contains configuration options for a Listener.
type Config struct {
	// Host and Port locate the broadcast server.
	Host string
	Port int

	// ConvertToMeters divides incoming millimeter positions by 1000 before
	// caching.
	ConvertToMeters bool

	// StaleDataTimeout is the freshness window for cached data. Defaults to
	// 3s.
	StaleDataTimeout time.Duration

	// ReconnectDelay is the pause between reconnect attempts. Defaults to 2s.
	ReconnectDelay time.Duration

	// ConnectTimeout bounds one TCP connect attempt. Defaults to 5s.
	ConnectTimeout time.Duration

	// OnMessage, when set, is invoked from the receive loop with every
	// successfully decoded message after the cache has been updated. Used for
	// recording and verbose display; it must not block for long or it delays
	// cache updates.
	OnMessage func(*mocap.Message)

	// Clock overrides the real clock in tests.
	Clock timeutil.Clock
}

func (c *Config) applyDefaults() {
	if c.StaleDataTimeout <= 0 {
		c.StaleDataTimeout = 3 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Listener maintains one persistent connection to a broadcast server,
// surviving disconnects and server restarts transparently, and feeds a Cache
// with every subject's primary position. All transport failures stay inside
// the background loop; they are observable only through Connected and the
// freshness check on GetLatest.
//
// Listeners are independent: multiple listener/cache pairs can coexist in one
// process, each with its own connection.
type Listener struct {
	cfg     Config
	cache   *Cache
	tracker *stats.RateTracker

	state atomic.Int32

	mu      sync.Mutex
	conn    net.Conn
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a listener for the given server. Call Start to begin receiving.
func New(cfg Config) (*Listener, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("listener host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid listener port %d", cfg.Port)
	}
	cfg.applyDefaults()
	return &Listener{
		cfg:     cfg,
		cache:   NewCache(cfg.StaleDataTimeout, cfg.Clock),
		tracker: stats.NewRateTracker(cfg.Clock),
	}, nil
}

// Cache exposes the listener's pose cache for direct reads.
func (l *Listener) Cache() *Cache {
	return l.cache
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Connected reports whether cached data is fresh: the transport may be up,
// but a connection that has stopped producing messages counts as down.
func (l *Listener) Connected() bool {
	return l.cache.Fresh()
}

// GetLatest returns the current subject→position mapping. With
// checkConnection set it fails with ErrStaleData instead of returning
// outdated or absent data.
func (l *Listener) GetLatest(checkConnection bool) (map[string]Position, error) {
	return l.cache.Latest(checkConnection)
}

// Stats returns receive throughput statistics.
func (l *Listener) Stats() stats.Summary {
	return l.tracker.Snapshot()
}

// Start launches the connect/receive loop in the background. Calling Start on
// a running listener is a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(l.stop, l.done)
}

// Stop requests termination and blocks until the loop has exited and the
// socket is closed. Safe to call from any goroutine and idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	if l.conn != nil {
		// Unblock a pending read so the loop exits promptly.
		l.conn.Close()
	}
	done := l.done
	l.mu.Unlock()

	<-done
}

// run is the connection state machine: DISCONNECTED → CONNECTING → CONNECTED,
// back to DISCONNECTED on any error, forever until stopped.
func (l *Listener) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer l.state.Store(int32(StateDisconnected))

	addr := net.JoinHostPort(l.cfg.Host, fmt.Sprintf("%d", l.cfg.Port))
	first := true

	for {
		select {
		case <-stop:
			return
		default:
		}

		if !first {
			// DISCONNECTED: wait out the reconnect delay before trying again.
			select {
			case <-stop:
				return
			case <-l.cfg.Clock.After(l.cfg.ReconnectDelay):
			}
		}
		first = false

		l.state.Store(int32(StateConnecting))
		conn, err := net.DialTimeout("tcp", addr, l.cfg.ConnectTimeout)
		if err != nil {
			l.state.Store(int32(StateDisconnected))
			monitoring.Logf("listener: connect to %s failed: %v", addr, err)
			continue
		}

		l.mu.Lock()
		if !l.running {
			// Stop raced the dial; discard the fresh connection.
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.mu.Unlock()

		l.state.Store(int32(StateConnected))
		monitoring.Logf("listener: connected to %s", addr)

		err = l.receive(conn, stop)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
		l.state.Store(int32(StateDisconnected))

		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			monitoring.Logf("listener: connection to %s lost: %v", addr, err)
		} else {
			monitoring.Logf("listener: connection to %s closed by server", addr)
		}
	}
}

// receive reads newline-delimited messages off the connection until it fails,
// the server closes it, or stop is signalled. Scanning runs in its own
// goroutine so the blocking read never delays reaction to stop; Stop closes
// the socket, which makes the scanner return promptly.
func (l *Listener) receive(conn net.Conn, stop chan struct{}) error {
	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := make([]byte, len(scan.Bytes()))
			copy(line, scan.Bytes())
			select {
			case lineChan <- line:
			case <-stop:
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-stop:
			}
		}
	}()

	for {
		select {
		case <-stop:
			return nil
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil // clean EOF
			}
			l.handleLine(line)
		}
	}
}

// handleLine decodes one wire line and applies it to the cache. A malformed
// line is logged and skipped; it neither touches the cache nor costs the
// connection.
func (l *Listener) handleLine(line []byte) {
	msg, err := mocap.DecodeMessage(line)
	if err != nil {
		monitoring.Logf("listener: skipping malformed message: %v", err)
		return
	}

	positions := make(map[string]Position, len(msg.Subjects))
	for _, subj := range msg.Subjects {
		// The subject's primary position is its first non-occluded segment.
		for _, seg := range subj.Segments {
			if seg.Position.Occluded {
				continue
			}
			target := units.Millimeters
			if l.cfg.ConvertToMeters {
				target = units.Meters
			}
			positions[subj.Name] = Position{
				X: units.ConvertLength(seg.Position.X, target),
				Y: units.ConvertLength(seg.Position.Y, target),
				Z: units.ConvertLength(seg.Position.Z, target),
			}
			break
		}
	}

	l.cache.Update(positions)
	l.tracker.Record(len(line))

	if l.cfg.OnMessage != nil {
		l.cfg.OnMessage(msg)
	}
}
