package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chorus/internal/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []any
	closed  bool
	block   chan struct{}
	failOn  int
}

func (f *fakeTransport) WriteJSON(v any) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.written)+1 >= f.failOn {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.written...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterActivateAndSend(t *testing.T) {
	reg := NewRegistry(Options{})
	tr := &fakeTransport{}

	conn, err := reg.Register(tr, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, conn.State())
	require.NoError(t, reg.Activate(conn.UID))
	assert.Equal(t, StateActive, conn.State())

	msg := protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck}
	require.NoError(t, reg.Send(conn.UID, msg))
	require.Eventually(t, func() bool { return len(tr.messages()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, msg, tr.messages()[0])
}

func TestRegisterRejectsOverCapacity(t *testing.T) {
	reg := NewRegistry(Options{MaxConnections: 1})
	_, err := reg.Register(&fakeTransport{}, "a")
	require.NoError(t, err)
	_, err = reg.Register(&fakeTransport{}, "b")
	require.ErrorIs(t, err, ErrCapacity)
}

func TestDeregisterIsIdempotentAndRunsCascadeSynchronously(t *testing.T) {
	reg := NewRegistry(Options{})
	tr := &fakeTransport{}
	conn, err := reg.Register(tr, "a")
	require.NoError(t, err)

	var steps []string
	reg.OnDeregister(func(uid string) {
		c, ok := reg.lookup(uid)
		require.True(t, ok)
		assert.Equal(t, StateClosing, c.State())
		steps = append(steps, "interrupt")
	})
	reg.OnDeregister(func(string) { steps = append(steps, "leave_group") })

	reg.Deregister(conn.UID, "client_closed")
	assert.Equal(t, []string{"interrupt", "leave_group"}, steps)
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, tr.isClosed())

	reg.Deregister(conn.UID, "client_closed")
	assert.Len(t, steps, 2)

	_, ok := reg.Get(conn.UID)
	assert.False(t, ok)
	require.ErrorIs(t, reg.Send(conn.UID, protocol.HeartbeatAck{}), ErrConnectionLost)
	assert.Zero(t, reg.Count())
}

func TestConcurrentDeregisterWaitsForCascade(t *testing.T) {
	reg := NewRegistry(Options{})
	conn, err := reg.Register(&fakeTransport{}, "a")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs int
	reg.OnDeregister(func(string) {
		runs++
		close(entered)
		<-release
	})

	go reg.Deregister(conn.UID, "client_closed")
	<-entered

	second := make(chan struct{})
	go func() {
		reg.Deregister(conn.UID, "heartbeat_timeout")
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second Deregister returned while the cascade was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second Deregister never returned")
	}
	assert.Equal(t, 1, runs)
	assert.Equal(t, StateClosed, conn.State())
}

func TestCascadePanicDoesNotStopTeardown(t *testing.T) {
	reg := NewRegistry(Options{})
	conn, err := reg.Register(&fakeTransport{}, "a")
	require.NoError(t, err)

	var ran bool
	reg.OnDeregister(func(string) { panic("boom") })
	reg.OnDeregister(func(string) { ran = true })

	reg.Deregister(conn.UID, "test")
	assert.True(t, ran)
	assert.Equal(t, StateClosed, conn.State())
}

func TestSendDropsUnderBackpressure(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	reg := NewRegistry(Options{OutboundBuffer: 1, SendTimeout: 10 * time.Millisecond})
	conn, err := reg.Register(&fakeTransport{block: block}, "a")
	require.NoError(t, err)

	// One message is held by the blocked writer, one fills the buffer.
	require.NoError(t, reg.Send(conn.UID, protocol.HeartbeatAck{}))
	require.Eventually(t, func() bool { return len(conn.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, reg.Send(conn.UID, protocol.HeartbeatAck{}))

	require.ErrorIs(t, reg.Send(conn.UID, protocol.HeartbeatAck{}), ErrBackpressure)
}

func TestTrySendNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	reg := NewRegistry(Options{OutboundBuffer: 1, SendTimeout: time.Hour})
	conn, err := reg.Register(&fakeTransport{block: block}, "a")
	require.NoError(t, err)

	require.NoError(t, reg.TrySend(conn.UID, protocol.HeartbeatAck{}))
	require.Eventually(t, func() bool { return len(conn.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, reg.TrySend(conn.UID, protocol.HeartbeatAck{}))
	require.ErrorIs(t, reg.TrySend(conn.UID, protocol.HeartbeatAck{}), ErrBackpressure)
	require.ErrorIs(t, reg.TrySend("missing", protocol.HeartbeatAck{}), ErrConnectionLost)
}

func TestSendContextWaitsForRoomOrCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	reg := NewRegistry(Options{OutboundBuffer: 1})
	conn, err := reg.Register(&fakeTransport{block: block}, "a")
	require.NoError(t, err)

	require.NoError(t, reg.SendContext(context.Background(), conn.UID, protocol.HeartbeatAck{}))
	require.Eventually(t, func() bool { return len(conn.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, reg.SendContext(context.Background(), conn.UID, protocol.HeartbeatAck{}))

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("interrupted")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(cause)
	}()
	require.ErrorIs(t, reg.SendContext(ctx, conn.UID, protocol.HeartbeatAck{}), cause)
}

func TestSendContextUnblocksOnDeregister(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	reg := NewRegistry(Options{OutboundBuffer: 1})
	conn, err := reg.Register(&fakeTransport{block: block}, "a")
	require.NoError(t, err)
	require.NoError(t, reg.Send(conn.UID, protocol.HeartbeatAck{}))
	require.Eventually(t, func() bool { return len(conn.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, reg.Send(conn.UID, protocol.HeartbeatAck{}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- reg.SendContext(context.Background(), conn.UID, protocol.HeartbeatAck{})
	}()
	time.Sleep(10 * time.Millisecond)
	reg.Deregister(conn.UID, "test")
	require.ErrorIs(t, <-errCh, ErrConnectionLost)
}

func TestBroadcastSkipsInactiveAndFiltered(t *testing.T) {
	reg := NewRegistry(Options{})
	a, b, c := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	ca, _ := reg.Register(a, "a")
	cb, _ := reg.Register(b, "b")
	_, _ = reg.Register(c, "c")
	require.NoError(t, reg.Activate(ca.UID))
	require.NoError(t, reg.Activate(cb.UID))

	sent := reg.Broadcast(func(conn *Connection) bool { return conn.UID != cb.UID }, protocol.HeartbeatAck{})
	assert.Equal(t, 1, sent)
	require.Eventually(t, func() bool { return len(a.messages()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, b.messages())
	assert.Empty(t, c.messages())
}

func TestReapDeregistersSilentConnections(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	reg := NewRegistry(Options{Now: clock})
	stale, _ := reg.Register(&fakeTransport{}, "stale")
	fresh, _ := reg.Register(&fakeTransport{}, "fresh")

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	reg.Touch(fresh.UID)

	reaped := reg.Reap(30 * time.Second)
	assert.Equal(t, []string{stale.UID}, reaped)
	assert.Equal(t, StateClosed, stale.State())
	assert.Equal(t, StateConnecting, fresh.State())
}

func TestWriteErrorDeregisters(t *testing.T) {
	reg := NewRegistry(Options{})
	tr := &fakeTransport{failOn: 1}
	conn, err := reg.Register(tr, "a")
	require.NoError(t, err)

	require.NoError(t, reg.Send(conn.UID, protocol.HeartbeatAck{}))
	require.Eventually(t, func() bool { return conn.State() == StateClosed }, time.Second, time.Millisecond)
}
