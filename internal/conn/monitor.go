// Package conn owns link health for the realtime feed: one connection
// monitor per session tracks the connection state, runs the probe/ack
// heartbeat, and drives reconnection with exponential backoff.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyhq/canopy-cli/internal/feed"
)

// State is the overall link health. Exactly one monitor (and so one state)
// exists per client session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrHeartbeat is wrapped into the error that tears down a connection after
// two consecutive probe misses.
var ErrHeartbeat = errors.New("heartbeat failed")

// Config holds the monitor's timing parameters.
type Config struct {
	HeartbeatInterval time.Duration // probe cadence while connected
	ProbeTimeout      time.Duration // how long a probe may wait for its ack
	DialTimeout       time.Duration // per-attempt connect budget
	InitialBackoff    time.Duration // first retry delay
	MaxBackoff        time.Duration // retry delay ceiling
	MaxAttempts       int           // failed connects before Errored
}

// DefaultConfig returns the monitor configuration, with environment
// overrides for deployments that need different timings.
//
// Environment variables:
//   - CANOPY_HEARTBEAT_INTERVAL: probe cadence (default: "30s")
//   - CANOPY_PROBE_TIMEOUT: probe ack timeout (default: "10s")
//   - CANOPY_RECONNECT_MAX_ATTEMPTS: connect failures before giving up (default: 10)
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: getEnvDuration("CANOPY_HEARTBEAT_INTERVAL", 30*time.Second),
		ProbeTimeout:      getEnvDuration("CANOPY_PROBE_TIMEOUT", 10*time.Second),
		DialTimeout:       15 * time.Second,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		MaxAttempts:       getEnvInt("CANOPY_RECONNECT_MAX_ATTEMPTS", 10),
	}
}

// Listener observes state transitions. Listeners are invoked synchronously,
// in unspecified order, on the monitor's run goroutine; transitions are
// strictly sequential.
type Listener func(from, to State)

// Monitor is the single source of truth for link health.
type Monitor struct {
	dialer feed.Dialer
	cfg    Config
	log    *slog.Logger

	events chan feed.Event

	mu        sync.Mutex
	state     State
	conn      feed.Conn
	attempts  int
	listeners map[int]Listener
	nextID    int
	started   bool
	stopped   bool

	stop chan struct{}
	kick chan struct{} // ForceReconnect signal
	done chan struct{}

	// after is a test seam; production uses time.After.
	after func(time.Duration) <-chan time.Time
}

// New creates a monitor over the given dialer. Call Start to begin
// connecting.
func New(dialer feed.Dialer, cfg Config) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		dialer:    dialer,
		cfg:       cfg,
		log:       slog.Default(),
		events:    make(chan feed.Event, 64),
		state:     StateDisconnected,
		listeners: make(map[int]Listener),
		stop:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		after:     time.After,
	}
}

// Start begins connecting and heartbeating. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Stop tears down the connection and the run loop. The Events channel closes
// once the loop exits. Calling Stop twice is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stop)
	<-m.done
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Conn returns the live connection, or nil when not connected.
func (m *Monitor) Conn() feed.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Events returns the merged event stream from the current connection.
// Transport errors never appear here; they are consumed internally and drive
// reconnection. The channel closes after Stop.
func (m *Monitor) Events() <-chan feed.Event {
	return m.events
}

// OnStatusChange registers a listener for state transitions and returns its
// unregister function.
func (m *Monitor) OnStatusChange(fn Listener) (unregister func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// ForceReconnect resets the attempt count and retries immediately. Used for
// the manual retry action and connectivity-restored signals. No-op while
// Connected.
func (m *Monitor) ForceReconnect() {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// delayFor returns the backoff delay before retry n (0-based):
// min(initial * 2^n, max).
func (m *Monitor) delayFor(n int) time.Duration {
	d := m.cfg.InitialBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if d > m.cfg.MaxBackoff {
		return m.cfg.MaxBackoff
	}
	return d
}

func (m *Monitor) run() {
	defer close(m.done)
	defer close(m.events)

	for {
		conn, err := m.dial()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
			}
			m.mu.Lock()
			m.attempts++
			exhausted := m.attempts >= m.cfg.MaxAttempts
			m.mu.Unlock()
			if exhausted {
				m.transition(StateErrored)
				if !m.awaitKick() {
					return
				}
				continue
			}
			if !m.backoffWait() {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()
		m.transition(StateConnected)

		serveErr := m.serve(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		select {
		case <-m.stop:
			return
		default:
		}

		m.log.Debug("connection lost", "error", serveErr)
		m.transition(StateReconnecting)
		if !m.backoffWait() {
			return
		}
	}
}

func (m *Monitor) dial() (feed.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	return m.dialer.Dial(ctx)
}

// backoffWait sleeps for the current attempt's delay. Returns false when the
// monitor is stopping. A ForceReconnect kick skips the remaining delay.
func (m *Monitor) backoffWait() bool {
	m.mu.Lock()
	if m.state != StateReconnecting && m.state != StateDisconnected {
		m.mu.Unlock()
		m.transition(StateReconnecting)
		m.mu.Lock()
	}
	delay := m.delayFor(m.attempts)
	m.mu.Unlock()

	select {
	case <-m.after(delay):
		return true
	case <-m.kick:
		return true
	case <-m.stop:
		return false
	}
}

// awaitKick blocks in the Errored state until ForceReconnect or Stop.
func (m *Monitor) awaitKick() bool {
	select {
	case <-m.kick:
		m.transition(StateReconnecting)
		return true
	case <-m.stop:
		return false
	}
}

// serve pumps events from the connection and runs the heartbeat until the
// connection fails or the monitor stops.
func (m *Monitor) serve(conn feed.Conn) error {
	hbFail := make(chan error, 1)
	hbStop := make(chan struct{})
	defer close(hbStop)
	go m.heartbeat(conn, hbStop, hbFail)

	for {
		select {
		case <-m.stop:
			return nil
		case err := <-hbFail:
			return err
		case ev, ok := <-conn.Events():
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.Err != nil {
				return ev.Err
			}
			select {
			case m.events <- ev:
			case <-m.stop:
				return nil
			}
		}
	}
}

// heartbeat probes the connection every HeartbeatInterval. One missed probe
// is tolerated; two consecutive misses fail the connection.
func (m *Monitor) heartbeat(conn feed.Conn, stop <-chan struct{}, fail chan<- error) {
	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-m.after(m.cfg.HeartbeatInterval):
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
			err := conn.Probe(ctx)
			cancel()
			if err == nil {
				misses = 0
				continue
			}
			misses++
			m.log.Debug("heartbeat miss", "misses", misses, "error", err)
			if misses >= 2 {
				fail <- fmt.Errorf("%w: %v", ErrHeartbeat, err)
				return
			}
		}
	}
}

// transition moves to a new state and notifies listeners synchronously.
// Only the run goroutine calls transition, so transitions are sequential.
func (m *Monitor) transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.log.Debug("connection state", "from", from.String(), "to", to.String())
	for _, fn := range listeners {
		fn(from, to)
	}
}
