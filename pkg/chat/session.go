package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrHistoryLoad          = errors.New("history load failed")
	ErrSessionClosed        = errors.New("session closed")
	ErrAlreadyOpened        = errors.New("session already opened")
	ErrEmptyMessage         = errors.New("message body is empty")
	ErrNotRetryable         = errors.New("only failed messages can be retried")
	ErrNotDiscardable       = errors.New("only failed messages can be discarded")
)

// HistoryLoadError is returned by Open when the initial history fetch fails.
// It matches ErrHistoryLoad with errors.Is.
type HistoryLoadError struct {
	ConversationID string
	Err            error
}

func (e *HistoryLoadError) Error() string {
	return "load history for conversation " + e.ConversationID + ": " + e.Err.Error()
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

func (e *HistoryLoadError) Is(target error) bool { return target == ErrHistoryLoad }

// Resolver picks the conversation a session opens. found == false is the
// normal "nothing to resume" outcome, not an error.
type Resolver interface {
	Resolve(ctx context.Context, explicit *ConversationIdentity) (ConversationIdentity, bool, error)
}

// HistoryFetcher returns the persisted messages of a conversation, newest first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID, token string) ([]Message, error)
}

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, conversationID, token string) (Conn, error)
}

// TokenSource is read on every dial so a refreshed token is picked up on reconnect.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type Timer interface {
	Stop() bool
}

type SessionConfig struct {
	// Username is the authenticated local user, used to attribute messages.
	Username  string
	Directory Resolver
	History   HistoryFetcher
	Dialer    Dialer
	Tokens    TokenSource
	Sink      EventSink
	Reconnect ReconnectPolicy
	// DisableCatchUp skips the history re-fetch after a successful reconnect.
	DisableCatchUp bool

	Now       func() time.Time
	AfterFunc func(time.Duration, func()) Timer
}

type bufferedFrame struct {
	data []byte
	at   time.Time
}

// Session is the live view of one conversation: Resolving → Loading → Live ⇄ Reconnecting → Closed.
type Session struct {
	cfg        SessionConfig
	transcript *TranscriptStore
	events     *eventQueue
	backoff    backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc

	seq       atomic.Uint64
	stateView atomic.Int32
	convID    atomic.Value

	mu         sync.Mutex
	state      SessionState
	identity   ConversationIdentity
	conn       Conn
	timer      Timer
	attempt    int
	outbox     []string
	cancelLoad context.CancelFunc

	// live frames are held back while history is being merged
	frameMu   sync.Mutex
	buffering bool
	buffered  []bufferedFrame

	writeMu sync.Mutex
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Directory == nil {
		return nil, errors.New("chat session: directory is nil")
	}
	if cfg.History == nil {
		return nil, errors.New("chat session: history fetcher is nil")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("chat session: dialer is nil")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		transcript: NewTranscriptStore(),
		backoff:    cfg.Reconnect.newBackOff(),
		ctx:        ctx,
		cancel:     cancel,
		buffering:  true,
	}
	s.convID.Store("")
	s.events = newEventQueue(cfg.Sink, s.conversationID)
	return s, nil
}

func (s *Session) conversationID() string {
	id, _ := s.convID.Load().(string)
	return id
}

func (s *Session) State() SessionState {
	return SessionState(s.stateView.Load())
}

func (s *Session) Identity() ConversationIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Snapshot returns the ordered transcript for rendering.
func (s *Session) Snapshot() []Message {
	return s.transcript.Snapshot()
}

// IsOwn reports whether m was written by the session's user.
func (s *Session) IsOwn(m Message) bool {
	return strings.TrimSpace(s.cfg.Username) != "" && SameSender(m.SenderName, s.cfg.Username)
}

// Open resolves the conversation, loads its history and connects the live transport.
// It returns nil once the session is Live or Reconnecting. ErrConversationNotFound
// and HistoryLoadError leave the session Closed.
func (s *Session) Open(ctx context.Context, explicit *ConversationIdentity) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelLoad = cancel
	s.setStateLocked(StateResolving)
	s.mu.Unlock()

	identity, found, err := s.cfg.Directory.Resolve(loadCtx, explicit)
	if err != nil {
		_ = s.Close()
		return errors.Wrap(err, "resolve conversation")
	}
	if !found {
		log.Info().Str("component", "chat").Msg("no conversation to open")
		_ = s.Close()
		return ErrConversationNotFound
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.identity = identity
	s.convID.Store(identity.ConversationID)
	s.setStateLocked(StateLoading)
	s.mu.Unlock()
	s.events.start()

	token, err := s.cfg.Tokens.Token(loadCtx)
	if err != nil {
		return s.failLoad(identity, errors.Wrap(err, "read auth token"))
	}

	var (
		g       errgroup.Group
		dialErr error
	)
	g.Go(func() error {
		conn, err := s.cfg.Dialer.Dial(loadCtx, identity.ConversationID, token)
		if err != nil {
			dialErr = err
			return nil
		}
		s.attach(conn)
		return nil
	})
	history, histErr := s.cfg.History.FetchHistory(loadCtx, identity.ConversationID, token)
	_ = g.Wait()

	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if histErr != nil {
		return s.failLoad(identity, histErr)
	}
	s.insertHistory(history)
	s.releaseFrames(history)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	live := s.conn != nil
	if live {
		s.setStateLocked(StateLive)
	} else {
		s.setStateLocked(StateReconnecting)
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	if live {
		log.Info().Str("component", "chat").Str("conv_id", identity.ConversationID).Int("history", len(history)).Msg("conversation live")
		s.flushOutbox()
	} else {
		ev := log.Warn().Str("component", "chat").Str("conv_id", identity.ConversationID)
		if dialErr != nil {
			ev = ev.Err(dialErr)
		}
		ev.Msg("live transport unavailable, reconnecting")
	}
	return nil
}

func (s *Session) failLoad(identity ConversationIdentity, err error) error {
	hle := &HistoryLoadError{ConversationID: identity.ConversationID, Err: err}
	log.Warn().Err(err).Str("component", "chat").Str("conv_id", identity.ConversationID).Msg("history load failed")
	e := s.newEvent(EventLoadFailed)
	e.Error = hle.Error()
	s.events.push(e)
	_ = s.Close()
	return hle
}

// insertHistory reverses the newest-first backend order into the transcript.
func (s *Session) insertHistory(history []Message) {
	for i := len(history) - 1; i >= 0; i-- {
		s.transcript.Append(history[i])
	}
	e := s.newEvent(EventHistoryLoaded)
	e.Count = len(history)
	s.events.push(e)
}

// Send appends body as an optimistic own message. While Live it is written
// immediately; otherwise it stays Pending and is flushed on the next transition to Live.
func (s *Session) Send(ctx context.Context, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return Message{}, errors.Wrap(err, "send")
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	m := s.transcript.Append(Message{
		LocalID:       uuid.NewString(),
		SenderName:    s.cfg.Username,
		Body:          body,
		SentAt:        s.cfg.Now(),
		DeliveryState: DeliveryPending,
	})
	pos := s.enqueueLocked(m.LocalID)
	live := s.state == StateLive
	s.mu.Unlock()

	s.pushMessage(EventMessageAppended, m)
	if live {
		s.flushOutbox()
	} else {
		log.Debug().Str("component", "chat").Str("conv_id", s.conversationID()).Str("local_id", m.LocalID).Int("queue_position", pos).Msg("send queued until live")
	}
	if cur, ok := s.transcript.Get(m.LocalID); ok {
		return cur, nil
	}
	return m, nil
}

// Retry re-queues a Failed message.
func (s *Session) Retry(localID string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	m, ok := s.transcript.Get(localID)
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownMessage, "retry %s", localID)
	}
	if m.DeliveryState != DeliveryFailed {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	updated, err := s.transcript.MarkPending(localID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.enqueueLocked(localID)
	live := s.state == StateLive
	s.mu.Unlock()

	s.pushMessage(EventMessageUpdated, updated)
	if live {
		s.flushOutbox()
	}
	return nil
}

// Discard removes a Failed message the user gave up on.
func (s *Session) Discard(localID string) error {
	m, ok := s.transcript.Get(localID)
	if !ok {
		return errors.Wrapf(ErrUnknownMessage, "discard %s", localID)
	}
	if m.DeliveryState != DeliveryFailed {
		return ErrNotDiscardable
	}
	if err := s.transcript.Remove(localID); err != nil {
		return err
	}
	s.pushMessage(EventMessageRemoved, m)
	return nil
}

// Close tears the session down. Queued sends become Failed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosed)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	pending := s.drainOutboxLocked()
	cancelLoad := s.cancelLoad
	s.mu.Unlock()

	s.cancel()
	if cancelLoad != nil {
		cancelLoad()
	}

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	for _, id := range pending {
		if m, err := s.transcript.MarkFailed(id); err == nil {
			s.pushMessage(EventMessageUpdated, m)
		}
	}

	s.frameMu.Lock()
	s.buffered = nil
	s.frameMu.Unlock()

	s.events.close()
	log.Debug().Str("component", "chat").Str("conv_id", s.conversationID()).Int("failed_pending", len(pending)).Msg("session closed")
	if closeErr != nil {
		return errors.Wrap(closeErr, "close live transport")
	}
	return nil
}

func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(conn, err)
			return
		}
		s.dispatchFrame(data, s.cfg.Now())
	}
}

func (s *Session) dispatchFrame(data []byte, at time.Time) {
	if s.State() == StateClosed {
		return
	}
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.buffering {
		s.buffered = append(s.buffered, bufferedFrame{data: data, at: at})
		return
	}
	s.applyFrame(data, at, nil)
}

func (s *Session) holdFrames() {
	s.frameMu.Lock()
	s.buffering = true
	s.frameMu.Unlock()
}

// releaseFrames replays frames held during a history merge, in arrival order.
// merged is the page just merged, newest first. A held frame that repeats one
// of its newest messages was already persisted and is not appended again.
func (s *Session) releaseFrames(merged []Message) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.buffering = false
	frames := s.buffered
	s.buffered = nil

	overlap := merged
	if len(overlap) > len(frames) {
		overlap = overlap[:len(frames)]
	}
	overlap = append([]Message(nil), overlap...)
	for _, f := range frames {
		s.applyFrame(f.data, f.at, &overlap)
	}
}

// takeMatching removes the first message of msgs with m's sender and body.
func takeMatching(msgs *[]Message, m Message) bool {
	for i, c := range *msgs {
		if c.Body == m.Body && SameSender(c.SenderName, m.SenderName) {
			*msgs = append((*msgs)[:i], (*msgs)[i+1:]...)
			return true
		}
	}
	return false
}

// applyFrame requires frameMu. persisted, when set, holds merged history
// messages a held frame may repeat.
func (s *Session) applyFrame(data []byte, at time.Time, persisted *[]Message) {
	m, err := decodeInboundFrame(data, at)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("conv_id", s.conversationID()).Int("bytes", len(data)).Msg("dropping live frame")
		e := s.newEvent(EventFrameDropped)
		e.Error = err.Error()
		s.events.push(e)
		return
	}
	if s.IsOwn(m) {
		if confirmed, ok := s.transcript.ConfirmEcho(m.SenderName, m.Body); ok {
			s.pushMessage(EventMessageUpdated, confirmed)
			return
		}
	}
	if persisted != nil && takeMatching(persisted, m) {
		log.Debug().Str("component", "chat").Str("conv_id", s.conversationID()).Str("sender", m.SenderName).Msg("held frame already in history")
		return
	}
	stored := s.transcript.Append(m)
	s.pushMessage(EventMessageAppended, stored)
}

func (s *Session) connectionLost(conn Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.state == StateLive {
		s.setStateLocked(StateReconnecting)
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	_ = conn.Close()
	ev := log.Warn().Str("component", "chat").Str("conv_id", s.conversationID())
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		ev = ev.Err(cause)
	}
	ev.Msg("live transport lost")
}

func (s *Session) flushOutbox() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for {
		s.mu.Lock()
		if s.state != StateLive || s.conn == nil {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		id, ok := s.dequeueLocked()
		s.mu.Unlock()
		if !ok {
			return
		}

		m, ok := s.transcript.Get(id)
		if !ok || m.DeliveryState != DeliveryPending {
			continue
		}
		if err := s.transmit(conn, m); err != nil {
			// the write may or may not have reached the room; resending is the user's call
			if failed, ferr := s.transcript.MarkFailed(id); ferr == nil {
				s.pushMessage(EventMessageUpdated, failed)
			}
			s.connectionLost(conn, err)
			return
		}
	}
}

// transmit requires writeMu.
func (s *Session) transmit(conn Conn, m Message) error {
	b, err := encodeOutboundFrame(m)
	if err != nil {
		return err
	}
	if _, err := s.transcript.expectEcho(m.LocalID); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_, _ = s.transcript.cancelEcho(m.LocalID)
		return errors.Wrap(err, "write live frame")
	}
	sent, err := s.transcript.MarkSent(m.LocalID, "")
	if err != nil {
		return nil
	}
	s.pushMessage(EventMessageUpdated, sent)
	return nil
}

// setStateLocked requires s.mu.
func (s *Session) setStateLocked(st SessionState) {
	if s.state == st {
		return
	}
	prev := s.state
	s.state = st
	s.stateView.Store(int32(st))
	s.events.push(s.newEvent(EventStateChanged))
	log.Debug().Str("component", "chat").Str("conv_id", s.conversationID()).Stringer("from", prev).Stringer("to", st).Msg("session state")
}

func (s *Session) newEvent(t EventType) Event {
	return Event{
		Type:           t,
		ConversationID: s.conversationID(),
		Seq:            s.seq.Add(1),
		At:             s.cfg.Now(),
		State:          s.State(),
	}
}

func (s *Session) pushMessage(t EventType, m Message) {
	e := s.newEvent(t)
	e.Message = &m
	s.events.push(e)
}
