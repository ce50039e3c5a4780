package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu         sync.Mutex
	inbound    chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	writes     [][]byte
	reads      int
	failWrites bool
}

func newStubConn() *stubConn {
	return &stubConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("closed")
	case b := <-c.inbound:
		c.mu.Lock()
		c.reads++
		c.mu.Unlock()
		return websocket.TextMessage, b, nil
	}
}

func (c *stubConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *stubConn) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *stubConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		var f outboundFrame
		if err := json.Unmarshal(w, &f); err == nil {
			out = append(out, f.Message)
		}
	}
	return out
}

func (c *stubConn) push(username, message string) {
	b, _ := json.Marshal(map[string]string{"username": username, "message": message})
	c.inbound <- b
}

type dialResult struct {
	conn *stubConn
	err  error
}

type stubDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	tokens  []string
	// gate, when set, holds every dial until it receives or is closed
	gate chan struct{}
}

func (d *stubDialer) Dial(_ context.Context, _ string, token string) (Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		return nil, errors.New("no route to host")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *stubDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubHistory struct {
	mu    sync.Mutex
	pages [][]Message
	err   error
	gate  chan struct{}
	calls int
}

func (h *stubHistory) FetchHistory(ctx context.Context, _ string, _ string) ([]Message, error) {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if len(h.pages) == 0 {
		return nil, nil
	}
	page := h.pages[0]
	if len(h.pages) > 1 {
		h.pages = h.pages[1:]
	}
	return page, nil
}

type stubResolver struct {
	identity ConversationIdentity
	found    bool
	err      error
}

func (r *stubResolver) Resolve(_ context.Context, explicit *ConversationIdentity) (ConversationIdentity, bool, error) {
	if r.err != nil {
		return ConversationIdentity{}, false, r.err
	}
	if explicit != nil && !explicit.IsZero() {
		return *explicit, true, nil
	}
	return r.identity, r.found, nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped.Store(true)
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) timer(i int) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[i]
}

func (s *fakeScheduler) fire(i int) {
	s.timer(i).f()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) PublishEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) has(t EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (r *recordingSink) states() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SessionState
	for _, e := range r.events {
		if e.Type == EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

type harness struct {
	s        *Session
	dialer   *stubDialer
	history  *stubHistory
	resolver *stubResolver
	sched    *fakeScheduler
	sink     *recordingSink
}

func newHarness(t *testing.T, history *stubHistory, results ...dialResult) *harness {
	t.Helper()
	var tick atomic.Int64
	h := &harness{
		dialer:   &stubDialer{results: results},
		history:  history,
		resolver: &stubResolver{},
		sched:    &fakeScheduler{},
		sink:     &recordingSink{},
	}
	s, err := NewSession(SessionConfig{
		Username:  "alice",
		Directory: h.resolver,
		History:   h.history,
		Dialer:    h.dialer,
		Tokens:    StaticToken("tok"),
		Sink:      h.sink,
		Now:       func() time.Time { return at(100 + int(tick.Add(1))) },
		AfterFunc: h.sched.AfterFunc,
	})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

var room42 = &ConversationIdentity{ConversationID: "room42", DisplayTitle: "Leaky faucet"}

func TestSessionOpen_LoadsHistoryOldestFirst(t *testing.T) {
	c1 := newStubConn()
	h := newHarness(t, &stubHistory{pages: [][]Message{{
		{ServerID: "2", SenderName: "bob", Body: "second", SentAt: at(20), DeliveryState: DeliverySent},
		{ServerID: "1", SenderName: "alice", Body: "first", SentAt: at(10), DeliveryState: DeliverySent},
	}}}, dialResult{conn: c1})

	require.NoError(t, h.s.Open(context.Background(), room42))

	require.Equal(t, StateLive, h.s.State())
	require.Equal(t, *room42, h.s.Identity())
	snap := h.s.Snapshot()
	require.Equal(t, []string{"1", "2"}, serverIDs(snap))
	require.True(t, h.s.IsOwn(snap[0]))
	require.False(t, h.s.IsOwn(snap[1]))
	require.Equal(t, []string{"tok"}, h.dialer.tokens)

	require.Eventually(t, func() bool {
		states := h.sink.states()
		return len(states) == 3 && states[0] == StateResolving && states[1] == StateLoading && states[2] == StateLive
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.s.Open(context.Background(), room42), ErrAlreadyOpened)
}

func TestSessionOpen_NotFoundClosesWithoutDialing(t *testing.T) {
	h := newHarness(t, &stubHistory{})

	err := h.s.Open(context.Background(), nil)
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.Equal(t, StateClosed, h.s.State())
	require.Equal(t, 0, h.dialer.callCount())
}

func TestSessionOpen_ResumesResolvedConversation(t *testing.T) {
	h := newHarness(t, &stubHistory{}, dialResult{conn: newStubConn()})
	h.resolver.identity = *room42
	h.resolver.found = true

	require.NoError(t, h.s.Open(context.Background(), nil))
	require.Equal(t, "room42", h.s.Identity().ConversationID)
}

func TestSessionOpen_HistoryFailureIsRecoverableLoadError(t *testing.T) {
	c1 := newStubConn()
	h := newHarness(t, &stubHistory{err: errors.New("502 bad gateway")}, dialResult{conn: c1})

	err := h.s.Open(context.Background(), room42)
	require.ErrorIs(t, err, ErrHistoryLoad)
	var hle *HistoryLoadError
	require.True(t, errors.As(err, &hle))
	require.Equal(t, "room42", hle.ConversationID)

	require.Equal(t, StateClosed, h.s.State())
	require.Empty(t, h.s.Snapshot())
	require.True(t, c1.isClosed())
	require.Eventually(t, func() bool { return h.sink.has(EventLoadFailed) }, time.Second, 5*time.Millisecond)
}

func TestSessionLiveDrop_SchedulesExactlyOneReconnect(t *testing.T) {
	c1, c2 := newStubConn(), newStubConn()
	h := newHarness(t, &stubHistory{}, dialResult{conn: c1}, dialResult{conn: c2})
	require.NoError(t, h.s.Open(context.Background(), room42))

	require.NoError(t, c1.Close())

	require.Eventually(t, func() bool { return h.s.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.sched.count())
	require.Equal(t, DefaultReconnectDelay, h.sched.timer(0).d)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateReconnecting, h.s.State())
	require.Equal(t, 1, h.sched.count())

	h.sched.fire(0)
	require.Equal(t, StateLive, h.s.State())
	require.Equal(t, 2, h.dialer.callCount())
	require.Equal(t, 1, h.sched.count())
	require.NotContains(t, h.sink.states(), StateClosed)
}

func TestSessionOpen_DialFailureRetriesUntilConnected(t *testing.T) {
	c3 := newStubConn()
	h := newHarness(t, &stubHistory{},
		dialResult{err: errors.New("refused")},
		dialResult{err: errors.New("refused")},
		dialResult{conn: c3},
	)

	require.NoError(t, h.s.Open(context.Background(), room42))
	require.Equal(t, StateReconnecting, h.s.State())
	require.Equal(t, 1, h.sched.count())

	h.sched.fire(0)
	require.Equal(t, StateReconnecting, h.s.State())
	require.Equal(t, 2, h.sched.count())

	h.sched.fire(1)
	require.Equal(t, StateLive, h.s.State())
	require.Equal(t, 2, h.sched.count())
	for i := 0; i < h.sched.count(); i++ {
		require.Equal(t, DefaultReconnectDelay, h.sched.timer(i).d)
	}
}

func TestSessionSend_WhileReconnectingQueuesThenFlushes(t *testing.T) {
	c2 := newStubConn()
	h := newHarness(t, &stubHistory{}, dialResult{err: errors.New("offline")}, dialResult{conn: c2})
	require.NoError(t, h.s.Open(context.Background(), room42))
	require.Equal(t, StateReconnecting, h.s.State())

	m, err := h.s.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, DeliveryPending, m.DeliveryState)
	require.Equal(t, "alice", m.SenderName)
	require.Empty(t, c2.written())

	h.sched.fire(0)
	require.Equal(t, StateLive, h.s.State())
	require.Equal(t, []string{"hello"}, c2.written())

	got, ok := h.s.transcript.Get(m.LocalID)
	require.True(t, ok)
	require.Equal(t, DeliverySent, got.DeliveryState)
	require.True(t, got.AwaitingEcho())

	// the room echoes our own message back; it confirms instead of duplicating
	c2.push("Alice ", "hello")
	require.Eventually(t, func() bool {
		cur, _ := h.s.transcript.Get(m.LocalID)
		return !cur.AwaitingEcho()
	}, time.Second, 5*time.Millisecond)
	require.Len(t, h.s.Snapshot(), 1)

	c2.push("bob", "hello")
	require.Eventually(t, func() bool { return len(h.s.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSessionSend_RejectsEmptyBody(t *testing.T) {
	h := newHarness(t, &stubHistory{}, dialResult{conn: newStubConn()})
	require.NoError(t, h.s.Open(context.Background(), room42))

	_, err := h.s.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, h.s.Snapshot())
}

func TestSessionSend_WriteFailureMarksFailedAndRetryResends(t *testing.T) {
	c1, c2 := newStubConn(), newStubConn()
	c1.failWrites = true
	h := newHarness(t, &stubHistory{}, dialResult{conn: c1}, dialResult{conn: c2})
	require.NoError(t, h.s.Open(context.Background(), room42))

	m, err := h.s.Send(context.Background(), "quote please")
	require.NoError(t, err)
	require.Equal(t, DeliveryFailed, m.DeliveryState)
	require.Equal(t, StateReconnecting, h.s.State())
	require.Equal(t, 1, h.sched.count())

	require.NoError(t, h.s.Retry(m.LocalID))
	got, _ := h.s.transcript.Get(m.LocalID)
	require.Equal(t, DeliveryPending, got.DeliveryState)

	h.sched.fire(0)
	require.Equal(t, []string{"quote please"}, c2.written())
	got, _ = h.s.transcript.Get(m.LocalID)
	require.Equal(t, DeliverySent, got.DeliveryState)

	require.ErrorIs(t, h.s.Retry(m.LocalID), ErrNotRetryable)
	require.ErrorIs(t, h.s.Retry("nope"), ErrUnknownMessage)
}

func TestSessionClose_FailsQueuedSendsAndStopsTimer(t *testing.T) {
	h := newHarness(t, &stubHistory{}, dialResult{err: errors.New("offline")})
	require.NoError(t, h.s.Open(context.Background(), room42))

	m, err := h.s.Send(context.Background(), "anyone?")
	require.NoError(t, err)
	require.ErrorIs(t, h.s.Discard(m.LocalID), ErrNotDiscardable)

	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())
	require.Equal(t, StateClosed, h.s.State())
	require.True(t, h.sched.timer(0).stopped.Load())

	got, ok := h.s.transcript.Get(m.LocalID)
	require.True(t, ok)
	require.Equal(t, DeliveryFailed, got.DeliveryState)

	_, err = h.s.Send(context.Background(), "again")
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, h.s.Retry(m.LocalID), ErrSessionClosed)
	require.ErrorIs(t, h.s.Open(context.Background(), room42), ErrSessionClosed)

	require.NoError(t, h.s.Discard(m.LocalID))
	require.Empty(t, h.s.Snapshot())

	// a timer that fires after close is a no-op
	h.sched.fire(0)
	require.Equal(t, 1, h.dialer.callCount())
}

func TestSessionBuffersLiveFramesUntilHistoryIsInserted(t *testing.T) {
	c1 := newStubConn()
	c1.push("bob", "live")
	history := &stubHistory{
		gate: make(chan struct{}),
		pages: [][]Message{{
			{ServerID: "2", SenderName: "bob", Body: "h2", SentAt: at(20), DeliveryState: DeliverySent},
			{ServerID: "1", SenderName: "bob", Body: "h1", SentAt: at(10), DeliveryState: DeliverySent},
		}},
	}
	h := newHarness(t, history, dialResult{conn: c1})

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Open(context.Background(), room42) }()

	require.Eventually(t, func() bool { return c1.readCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, h.s.Snapshot())

	close(history.gate)
	require.NoError(t, <-errCh)

	snap := h.s.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, []string{"h1", "h2", "live"}, []string{snap[0].Body, snap[1].Body, snap[2].Body})
}

func TestSessionMalformedFrameIsDroppedAndSessionContinues(t *testing.T) {
	c1 := newStubConn()
	h := newHarness(t, &stubHistory{}, dialResult{conn: c1})
	require.NoError(t, h.s.Open(context.Background(), room42))

	c1.inbound <- []byte(`{not json`)
	c1.inbound <- []byte(`{"username":"bob"}`)
	c1.push("bob", "still here")

	require.Eventually(t, func() bool { return len(h.s.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateLive, h.s.State())
	require.False(t, c1.isClosed())
	require.Eventually(t, func() bool { return h.sink.has(EventFrameDropped) }, time.Second, 5*time.Millisecond)
}

func TestSessionReconnect_CatchesUpOnMissedMessages(t *testing.T) {
	c1, c2 := newStubConn(), newStubConn()
	history := &stubHistory{pages: [][]Message{
		{
			{ServerID: "1", SenderName: "bob", Body: "hi", SentAt: at(10), DeliveryState: DeliverySent},
		},
		{
			{ServerID: "3", SenderName: "bob", Body: "missed", SentAt: at(40), DeliveryState: DeliverySent},
			{ServerID: "2", SenderName: "bob", Body: "live one", SentAt: at(30), DeliveryState: DeliverySent},
			{ServerID: "1", SenderName: "bob", Body: "hi", SentAt: at(10), DeliveryState: DeliverySent},
		},
	}}
	h := newHarness(t, history, dialResult{conn: c1}, dialResult{conn: c2})
	require.NoError(t, h.s.Open(context.Background(), room42))

	c1.push("bob", "live one")
	require.Eventually(t, func() bool { return len(h.s.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return h.s.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	h.sched.fire(0)

	snap := h.s.Snapshot()
	require.Equal(t, []string{"1", "2", "3"}, serverIDs(snap))
	require.Equal(t, []string{"hi", "live one", "missed"}, []string{snap[0].Body, snap[1].Body, snap[2].Body})
}

func TestSessionReconnect_RereadsToken(t *testing.T) {
	c1, c2 := newStubConn(), newStubConn()
	var n atomic.Int32
	h := newHarness(t, &stubHistory{}, dialResult{conn: c1}, dialResult{conn: c2})
	h.s.cfg.Tokens = TokenSourceFunc(func(context.Context) (string, error) {
		if n.Add(1) == 1 {
			return "old", nil
		}
		return "refreshed", nil
	})
	require.NoError(t, h.s.Open(context.Background(), room42))

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return h.s.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	h.sched.fire(0)

	require.Equal(t, []string{"old", "refreshed"}, h.dialer.tokens)
}

func TestSessionOpen_DropsHeldFramesAlreadyInHistory(t *testing.T) {
	c1 := newStubConn()
	c1.push("bob", "h2")
	c1.push("bob", "live")
	history := &stubHistory{
		gate: make(chan struct{}),
		pages: [][]Message{{
			{ServerID: "2", SenderName: "bob", Body: "h2", SentAt: at(20), DeliveryState: DeliverySent},
			{ServerID: "1", SenderName: "bob", Body: "h1", SentAt: at(10), DeliveryState: DeliverySent},
		}},
	}
	h := newHarness(t, history, dialResult{conn: c1})

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Open(context.Background(), room42) }()
	require.Eventually(t, func() bool { return c1.readCount() == 2 }, time.Second, 5*time.Millisecond)

	close(history.gate)
	require.NoError(t, <-errCh)

	snap := h.s.Snapshot()
	require.Equal(t, []string{"h1", "h2", "live"}, []string{snap[0].Body, snap[1].Body, snap[2].Body})
	require.Equal(t, []string{"1", "2", ""}, serverIDs(snap))
}

func TestSessionReconnect_SendDuringCatchUpIsNotDuplicatedByItsEcho(t *testing.T) {
	c1, c2 := newStubConn(), newStubConn()
	history := &stubHistory{
		gate: make(chan struct{}, 1),
		pages: [][]Message{
			{},
			{{ServerID: "9", SenderName: "alice", Body: "on my way", SentAt: at(150), DeliveryState: DeliverySent}},
		},
	}
	history.gate <- struct{}{}
	h := newHarness(t, history, dialResult{conn: c1}, dialResult{conn: c2})
	require.NoError(t, h.s.Open(context.Background(), room42))

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return h.s.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	reconnected := make(chan struct{})
	go func() {
		defer close(reconnected)
		h.sched.fire(0)
	}()
	require.Eventually(t, func() bool { return h.s.State() == StateLive }, time.Second, 5*time.Millisecond)

	m, err := h.s.Send(context.Background(), "on my way")
	require.NoError(t, err)
	require.Equal(t, []string{"on my way"}, c2.written())

	c2.push("alice", "on my way")
	require.Eventually(t, func() bool { return c2.readCount() == 1 }, time.Second, 5*time.Millisecond)

	history.gate <- struct{}{}
	<-reconnected

	snap := h.s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, m.LocalID, snap[0].LocalID)
	require.Equal(t, "9", snap[0].ServerID)
	require.Equal(t, DeliverySent, snap[0].DeliveryState)
	require.False(t, snap[0].AwaitingEcho())
}

func TestSessionClose_DuringLoadDiscardsInFlightResults(t *testing.T) {
	c1 := newStubConn()
	history := &stubHistory{
		gate:  make(chan struct{}),
		pages: [][]Message{{{ServerID: "1", SenderName: "bob", Body: "late", SentAt: at(10), DeliveryState: DeliverySent}}},
	}
	h := newHarness(t, history, dialResult{conn: c1})
	h.dialer.gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Open(context.Background(), room42) }()
	require.Eventually(t, func() bool { return h.s.State() == StateLoading }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.s.Close())
	close(h.dialer.gate)

	require.ErrorIs(t, <-errCh, ErrSessionClosed)
	require.Equal(t, StateClosed, h.s.State())
	require.Empty(t, h.s.Snapshot())
	require.True(t, c1.isClosed())
	require.Equal(t, 0, h.sched.count())
	require.Equal(t, 1, h.dialer.callCount())
	require.False(t, h.sink.has(EventHistoryLoaded))
}

func TestSessionSend_CanceledContextAppendsNothing(t *testing.T) {
	h := newHarness(t, &stubHistory{}, dialResult{conn: newStubConn()})
	require.NoError(t, h.s.Open(context.Background(), room42))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.s.Send(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.s.Snapshot())
}

func TestSessionClose_WithoutOpenDeliversQueuedEvents(t *testing.T) {
	h := newHarness(t, &stubHistory{})

	require.NoError(t, h.s.Close())
	require.Eventually(t, func() bool {
		states := h.sink.states()
		return len(states) == 1 && states[0] == StateClosed
	}, time.Second, 5*time.Millisecond)
}
