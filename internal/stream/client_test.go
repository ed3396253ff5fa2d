package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/listsync/internal/protocol"
)

const waitFor = time.Second

// fakeConn is an in-memory Conn. Frames pushed to in are returned by Read;
// closing in simulates the server dropping the connection.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-f.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) nextOut(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.out:
		return data
	case <-time.After(waitFor):
		t.Fatal("no frame written")
		return nil
	}
}

// fakeDialer hands out queued connections; when the queue is empty it fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) push(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeTimers records scheduled reconnects instead of sleeping.
type fakeTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimers) after(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTimer{fn: fn}
	f.delays = append(f.delays, d)
	f.pending = append(f.pending, ft)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		was := !ft.stopped
		ft.stopped = true
		return was
	}
}

func (f *fakeTimers) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// fire runs the oldest pending timer as if it had expired.
func (f *fakeTimers) fire(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	require.NotEmpty(t, f.pending, "no timer pending")
	ft := f.pending[0]
	f.pending = f.pending[1:]
	stopped := ft.stopped
	f.mu.Unlock()
	if !stopped {
		ft.fn()
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) handler(_, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, to)
}

func (s *stateLog) all() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func newTestClient(t *testing.T, d Dialer, timers *fakeTimers, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithDialer(d),
		withAfterFunc(timers.after),
		WithBaseDelay(5 * time.Second),
		WithMaxDelay(0),
	}
	c := New("ws://listsync.test/ws/lists", append(base, opts...)...)
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnect_DisabledOrNoEndpointIsNoop(t *testing.T) {
	d := &fakeDialer{}

	c := New("ws://listsync.test", WithEnabled(false), WithDialer(d))
	c.Connect()
	assert.Equal(t, StateIdle, c.State())

	c = New("", WithDialer(d))
	c.Connect()
	assert.Equal(t, StateIdle, c.State())

	assert.Zero(t, d.callCount())
}

func TestConnect_OpensConnection(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	states := &stateLog{}
	c := newTestClient(t, d, &fakeTimers{}, WithStateHandler(states.handler))

	c.Connect()
	require.Eventually(t, c.IsConnected, waitFor, time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateConnected}, states.all())

	// A second Connect while connected does not dial again.
	c.Connect()
	assert.Equal(t, 1, d.callCount())
}

func TestReconnect_BackoffSequenceAndTermination(t *testing.T) {
	d := &fakeDialer{}
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers, WithMaxAttempts(4))

	c.Connect()
	for i := 1; i <= 4; i++ {
		require.Eventually(t, func() bool { return len(timers.scheduled()) == i }, waitFor, time.Millisecond)
		assert.Equal(t, StateReconnecting, c.State())
		timers.fire(t)
	}

	require.Eventually(t, func() bool { return c.State() == StateTerminated }, waitFor, time.Millisecond)
	assert.Equal(t, []time.Duration{
		5000 * time.Millisecond,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
	}, timers.scheduled())
	assert.Equal(t, 5, d.callCount())
}

func TestReconnect_MaxDelayCapsBackoff(t *testing.T) {
	d := &fakeDialer{}
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers, WithMaxAttempts(3), WithMaxDelay(6*time.Second))

	c.Connect()
	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return len(timers.scheduled()) == i }, waitFor, time.Millisecond)
		timers.fire(t)
	}
	require.Eventually(t, func() bool { return c.State() == StateTerminated }, waitFor, time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second, 6 * time.Second, 6 * time.Second}, timers.scheduled())
}

func TestReconnect_SuccessfulOpenResetsAttempts(t *testing.T) {
	d := &fakeDialer{}
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers)

	c.Connect()
	require.Eventually(t, func() bool { return len(timers.scheduled()) == 1 }, waitFor, time.Millisecond)

	conn := newFakeConn()
	d.push(conn)
	timers.fire(t)
	require.Eventually(t, c.IsConnected, waitFor, time.Millisecond)

	close(conn.in)
	require.Eventually(t, func() bool { return len(timers.scheduled()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, timers.scheduled())
	assert.False(t, c.IsConnected())
}

func TestReconnect_OnlyOneTimerPending(t *testing.T) {
	timers := &fakeTimers{}
	c := newTestClient(t, &fakeDialer{}, timers)

	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	assert.Len(t, timers.scheduled(), 1)
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers)

	c.Connect()
	require.Eventually(t, func() bool { return len(timers.scheduled()) == 1 }, waitFor, time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())

	timers.fire(t)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())
	assert.Equal(t, StateIdle, c.State())
}

func TestDisconnect_ClosesConnectionWithoutReconnecting(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers)

	c.Connect()
	require.Eventually(t, c.IsConnected, waitFor, time.Millisecond)

	c.Disconnect()
	assert.True(t, conn.isClosed())
	assert.False(t, c.IsConnected())
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, timers.scheduled())
	assert.Equal(t, StateIdle, c.State())
}

func TestConnect_FromTerminatedRestartsBudget(t *testing.T) {
	d := &fakeDialer{}
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers, WithMaxAttempts(1))

	c.Connect()
	require.Eventually(t, func() bool { return len(timers.scheduled()) == 1 }, waitFor, time.Millisecond)
	timers.fire(t)
	require.Eventually(t, func() bool { return c.State() == StateTerminated }, waitFor, time.Millisecond)

	c.Connect()
	require.Eventually(t, func() bool { return len(timers.scheduled()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, 5*time.Second, timers.scheduled()[1])
}

func TestListeners_TypedAndWildcard(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newTestClient(t, d, &fakeTimers{})

	var mu sync.Mutex
	var got []string
	record := func(name string) Listener {
		return func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+ev.Type)
		}
	}
	c.On(protocol.TypeDelta, record("delta1"))
	c.On(protocol.TypeDelta, func(Event) { panic("listener bug") })
	c.On(protocol.TypeDelta, record("delta2"))
	c.On(Wildcard, record("all"))
	removed := c.On(protocol.TypeDelta, record("removed"))
	assert.True(t, c.Off(protocol.TypeDelta, removed))
	assert.False(t, c.Off(protocol.TypeDelta, removed))

	c.Connect()
	conn.in <- []byte(`{"type":"list-delta","key":"k","version":1}`)
	conn.in <- []byte(`{"type":"custom"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, waitFor, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"delta1:list-delta", "delta2:list-delta", "all:list-delta", "all:custom"}, got)
}

func TestMessages_MalformedFramesAreDropped(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newTestClient(t, d, &fakeTimers{})

	events := make(chan Event, 8)
	c.On(Wildcard, func(ev Event) { events <- ev })
	c.Connect()

	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":5}`)
	conn.in <- []byte(`{"key":"k"}`)
	conn.in <- []byte(`{"type":"list-snapshot","key":"k","items":[],"version":0}`)

	select {
	case ev := <-events:
		assert.Equal(t, protocol.TypeSnapshot, ev.Type)
	case <-time.After(waitFor):
		t.Fatal("valid frame not dispatched")
	}
	assert.True(t, c.IsConnected())
	assert.Empty(t, events)
}

func TestMessages_PingIsAnsweredWithoutListeners(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newTestClient(t, d, &fakeTimers{})

	var calls int
	var mu sync.Mutex
	c.On(Wildcard, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	c.Connect()

	conn.in <- []byte(`{"type":"ping","data":{"n":1}}`)
	assert.JSONEq(t, `{"type":"pong","data":{"n":1}}`, string(conn.nextOut(t)))

	conn.in <- []byte(`{"type":"ping"}`)
	assert.JSONEq(t, `{"type":"pong"}`, string(conn.nextOut(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestSubscribe_ResentAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	first, second := newFakeConn(), newFakeConn()
	d.push(first)
	d.push(second)
	timers := &fakeTimers{}
	c := newTestClient(t, d, timers)

	require.NoError(t, c.Subscribe(context.Background(), "issues"))
	c.Connect()

	var frame protocol.ClientFrame
	require.NoError(t, json.Unmarshal(first.nextOut(t), &frame))
	assert.Equal(t, protocol.ClientFrame{Action: protocol.ActionSubscribe, Key: "issues"}, frame)

	require.NoError(t, c.Subscribe(context.Background(), "prs"))
	require.NoError(t, json.Unmarshal(first.nextOut(t), &frame))
	assert.Equal(t, "prs", frame.Key)

	require.NoError(t, c.Unsubscribe(context.Background(), "issues"))
	require.NoError(t, json.Unmarshal(first.nextOut(t), &frame))
	assert.Equal(t, protocol.ClientFrame{Action: protocol.ActionUnsubscribe, Key: "issues"}, frame)

	close(first.in)
	require.Eventually(t, func() bool { return len(timers.scheduled()) == 1 }, waitFor, time.Millisecond)
	timers.fire(t)

	require.NoError(t, json.Unmarshal(second.nextOut(t), &frame))
	assert.Equal(t, protocol.ClientFrame{Action: protocol.ActionSubscribe, Key: "prs"}, frame)
	assert.Equal(t, []string{"prs"}, c.Keys())
}

func TestNewDialer(t *testing.T) {
	d, err := NewDialer("")
	require.NoError(t, err)
	assert.IsType(t, CoderDialer{}, d)

	d, err = NewDialer("gorilla")
	require.NoError(t, err)
	assert.IsType(t, GorillaDialer{}, d)

	_, err = NewDialer("carrier-pigeon")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
