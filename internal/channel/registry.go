// ABOUTME: Process-wide map of session keys to live client channels
// ABOUTME: Evicts prior bindings, observes transport close, and sweeps dead channels

package channel

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSweepInterval is how often dead channels are swept.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultGracePeriod is how long a disconnected key stays detectable.
	DefaultGracePeriod = 5 * time.Minute
)

// Conn is a duplex client channel. Implementations must be safe for
// concurrent use.
type Conn interface {
	// Send writes one message to the client.
	Send(msg Message) error
	// IsOpen reports whether the underlying transport is still open.
	IsOpen() bool
	// Done is closed once the transport has closed.
	Done() <-chan struct{}
	// Close terminates the transport.
	Close(reason string) error
}

// binding pairs a connection with the channel used to detach its observer.
type binding struct {
	conn   Conn
	detach chan struct{}
}

// RegistryConfig configures a Registry. Zero values select the defaults.
type RegistryConfig struct {
	SweepInterval time.Duration
	GracePeriod   time.Duration
	Logger        *slog.Logger
}

// Registry maps session keys to at most one open Conn each.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*binding
	grace    map[string]*time.Timer

	gracePeriod time.Duration
	logger      *slog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	shutOnce sync.Once
}

// NewRegistry creates a Registry and starts its sweep loop.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		bindings:    make(map[string]*binding),
		grace:       make(map[string]*time.Timer),
		gracePeriod: cfg.GracePeriod,
		logger:      cfg.Logger.With("component", "channels"),
		done:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop(cfg.SweepInterval)
	return r
}

// Bind stores conn under key. Any connection already bound to key is
// notified and closed first, and a pending grace timer for key is cleared.
func (r *Registry) Bind(key string, conn Conn) {
	b := &binding{conn: conn, detach: make(chan struct{})}

	r.mu.Lock()
	prev := r.bindings[key]
	if prev != nil {
		close(prev.detach)
	}
	if t, ok := r.grace[key]; ok {
		t.Stop()
		delete(r.grace, key)
	}
	r.bindings[key] = b
	total := len(r.bindings)
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("evicting existing channel", "session_key", key)
		r.evict(prev.conn, key)
	}

	r.wg.Add(1)
	go r.observe(key, b)

	r.logger.Info("channel bound", "session_key", key, "total_channels", total)
}

// Unbind sends a terminal notice to the channel bound to key (if it is still
// open), detaches its close observer and forgets the binding. The transport
// is closed in the background. Unknown keys are ignored.
func (r *Registry) Unbind(key string) {
	r.mu.Lock()
	b, ok := r.bindings[key]
	if ok {
		delete(r.bindings, key)
		close(b.detach)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info("channel unbound", "session_key", key)
	r.evict(b.conn, key)
}

// Get returns the connection bound to key.
func (r *Registry) Get(key string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[key]
	if !ok {
		return nil, false
	}
	return b.conn, true
}

// Send writes msg to the channel bound to key. It returns false when no
// channel is bound, the channel is not open, or the write fails; a missing
// channel is not an error for callers.
func (r *Registry) Send(key string, msg Message) bool {
	conn, ok := r.Get(key)
	if !ok || !conn.IsOpen() {
		return false
	}
	if err := conn.Send(msg); err != nil {
		r.logger.Debug("send failed", "session_key", key, "error", err)
		return false
	}
	return true
}

// Disconnected reports whether key lost its channel within the grace period.
func (r *Registry) Disconnected(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.grace[key]
	return ok
}

// Len returns the number of bound channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// Sweep unbinds every channel whose transport is no longer open.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var dead []string
	for key, b := range r.bindings {
		if !b.conn.IsOpen() {
			dead = append(dead, key)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("sweeping channels", "inactive", len(dead))
	for _, key := range dead {
		r.logger.Info("cleaning up inactive channel", "session_key", key)
		r.Unbind(key)
	}
}

// Shutdown stops the sweep loop, cancels grace timers and closes all bound
// channels. It is safe to call more than once.
func (r *Registry) Shutdown() {
	r.shutOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		for key, t := range r.grace {
			t.Stop()
			delete(r.grace, key)
		}
		bindings := r.bindings
		r.bindings = make(map[string]*binding)
		for _, b := range bindings {
			close(b.detach)
		}
		r.mu.Unlock()

		for key, b := range bindings {
			if b.conn.IsOpen() {
				r.closeAsync(b.conn, key, "server shutting down")
			}
		}

		r.wg.Wait()
		r.logger.Info("channel registry shut down", "closed", len(bindings))
	})
}

// observe removes the binding when its transport closes and arms the grace
// timer. It exits without side effects once the binding is detached.
func (r *Registry) observe(key string, b *binding) {
	defer r.wg.Done()

	select {
	case <-b.detach:
		return
	case <-b.conn.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A newer binding may have replaced this one between Done and Lock.
	if r.bindings[key] != b {
		return
	}
	delete(r.bindings, key)
	close(b.detach)

	select {
	case <-r.done:
		return
	default:
	}

	if t, ok := r.grace[key]; ok {
		t.Stop()
	}
	r.grace[key] = time.AfterFunc(r.gracePeriod, func() { r.forget(key) })

	r.logger.Info("channel closed by client", "session_key", key, "grace_period", r.gracePeriod)
}

// forget drops key once its grace period elapses.
func (r *Registry) forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.grace[key]; ok {
		delete(r.grace, key)
		r.logger.Debug("grace period elapsed", "session_key", key)
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// evict sends the terminal notice (best effort) and closes conn without
// waiting for the peer to finish the close handshake.
func (r *Registry) evict(conn Conn, key string) {
	if !conn.IsOpen() {
		return
	}
	if err := conn.Send(Closed()); err != nil {
		r.logger.Debug("failed to send close notice", "session_key", key, "error", err)
	}
	r.closeAsync(conn, key, "evicted")
}

func (r *Registry) closeAsync(conn Conn, key, reason string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := conn.Close(reason); err != nil {
			r.logger.Debug("close failed", "session_key", key, "error", err)
		}
	}()
}
