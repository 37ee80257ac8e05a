// ABOUTME: Tests for the channel registry
// ABOUTME: Covers eviction, unbind notices, close observers, grace period, sweep and shutdown

package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeConn is an in-memory Conn for registry tests.
type fakeConn struct {
	mu       sync.Mutex
	sent     []Message
	closed   bool
	reason   string
	failSend bool

	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (f *fakeConn) Send(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.failSend {
		return errors.New("write failed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	f.closed = true
	f.reason = reason
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

// drop simulates the peer going away without the server closing it.
func (f *fakeConn) drop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

// markDead flips the transport state without signalling Done, which is what
// the sweep exists to catch.
func (f *fakeConn) markDead() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	r := NewRegistry(cfg)
	t.Cleanup(r.Shutdown)
	return r
}

func TestRegistry_BindAndGet(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	conn := newFakeConn()
	r.Bind("left_1", conn)

	got, ok := r.Get("left_1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Get("right_1")
	assert.False(t, ok)
}

func TestRegistry_BindEvictsPrevious(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	first := newFakeConn()
	second := newFakeConn()
	r.Bind("left_1", first)
	r.Bind("left_1", second)

	assert.Equal(t, []Message{Closed()}, first.messages())
	require.Eventually(t, func() bool { return !first.IsOpen() }, time.Second, 5*time.Millisecond,
		"previous connection should be closed")

	got, ok := r.Get("left_1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())

	// The evicted connection's close must not remove the new binding.
	time.Sleep(20 * time.Millisecond)
	got, ok = r.Get("left_1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.False(t, r.Disconnected("left_1"))
}

func TestRegistry_UnbindSendsNotice(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	conn := newFakeConn()
	r.Bind("left_1", conn)
	r.Unbind("left_1")

	assert.Equal(t, []Message{Closed()}, conn.messages())
	require.Eventually(t, func() bool { return !conn.IsOpen() }, time.Second, 5*time.Millisecond)
	_, ok := r.Get("left_1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

// stallingConn is a connection whose Close blocks until released, like a
// websocket waiting on an unresponsive peer to finish the close handshake.
type stallingConn struct {
	*fakeConn
	release chan struct{}
}

func (s *stallingConn) Close(reason string) error {
	<-s.release
	return s.fakeConn.Close(reason)
}

func TestRegistry_EvictDoesNotWaitForClose(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	stale := &stallingConn{fakeConn: newFakeConn(), release: make(chan struct{})}
	r.Bind("left_1", stale)

	fresh := newFakeConn()
	bound := make(chan struct{})
	go func() {
		r.Bind("left_1", fresh)
		r.Unbind("left_1")
		close(bound)
	}()

	select {
	case <-bound:
	case <-time.After(time.Second):
		t.Fatal("Bind blocked on the evicted connection's Close")
	}
	assert.Equal(t, []Message{Closed()}, stale.messages(), "stale peer is still notified")

	close(stale.release)
	require.Eventually(t, func() bool { return !stale.IsOpen() }, time.Second, 5*time.Millisecond)
}

func TestRegistry_UnbindUnknownKey(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	assert.NotPanics(t, func() { r.Unbind("missing") })
}

func TestRegistry_UnbindTwice(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	conn := newFakeConn()
	r.Bind("left_1", conn)
	r.Unbind("left_1")
	r.Unbind("left_1")

	assert.Len(t, conn.messages(), 1)
}

func TestRegistry_Send(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	assert.False(t, r.Send("left_1", Content("x")), "unbound key")

	conn := newFakeConn()
	r.Bind("left_1", conn)
	assert.True(t, r.Send("left_1", Content("Hel")))
	assert.True(t, r.Send("left_1", Content("lo")))
	assert.Equal(t, []Message{Content("Hel"), Content("lo")}, conn.messages())

	conn.markDead()
	assert.False(t, r.Send("left_1", Content("!")), "closed channel")
}

func TestRegistry_SendWriteFailure(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	conn := newFakeConn()
	conn.failSend = true
	r.Bind("left_1", conn)

	assert.False(t, r.Send("left_1", Thinking()))
}

func TestRegistry_CloseObserverArmsGrace(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{GracePeriod: 50 * time.Millisecond})

	conn := newFakeConn()
	r.Bind("left_1", conn)
	conn.drop()

	require.Eventually(t, func() bool {
		_, ok := r.Get("left_1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, r.Disconnected("left_1"))

	require.Eventually(t, func() bool {
		return !r.Disconnected("left_1")
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_RebindClearsGrace(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{GracePeriod: time.Minute})

	conn := newFakeConn()
	r.Bind("left_1", conn)
	conn.drop()
	require.Eventually(t, func() bool { return r.Disconnected("left_1") }, time.Second, 5*time.Millisecond)

	r.Bind("left_1", newFakeConn())
	assert.False(t, r.Disconnected("left_1"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Sweep(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	alive := newFakeConn()
	dead := newFakeConn()
	r.Bind("left_1", alive)
	r.Bind("right_1", dead)

	dead.markDead()
	r.Sweep()

	_, ok := r.Get("right_1")
	assert.False(t, ok)
	_, ok = r.Get("left_1")
	assert.True(t, ok)
	assert.Empty(t, dead.messages(), "dead channel receives no notice")
}

func TestRegistry_SweepLoop(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{SweepInterval: 10 * time.Millisecond})

	dead := newFakeConn()
	r.Bind("left_1", dead)
	dead.markDead()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_ShutdownClosesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(RegistryConfig{SweepInterval: 10 * time.Millisecond, GracePeriod: time.Hour})

	a := newFakeConn()
	b := newFakeConn()
	c := newFakeConn()
	r.Bind("left_1", a)
	r.Bind("right_1", b)
	r.Bind("left_2", c)
	c.drop()
	require.Eventually(t, func() bool { return r.Disconnected("left_2") }, time.Second, 5*time.Millisecond)

	r.Shutdown()
	r.Shutdown()

	assert.False(t, a.IsOpen())
	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Disconnected("left_2"))
}

func TestRegistry_ConcurrentBindUnbind(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(RegistryConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Bind("left_1", newFakeConn())
		}()
		go func() {
			defer wg.Done()
			r.Unbind("left_1")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 1)
	r.Shutdown()
}
