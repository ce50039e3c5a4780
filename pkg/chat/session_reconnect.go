package chat

import (
	"context"

	"github.com/rs/zerolog/log"
)

// scheduleReconnectLocked arms the single reconnect timer. Requires s.mu.
func (s *Session) scheduleReconnectLocked() {
	if s.timer != nil {
		return
	}
	s.attempt++
	d := nextDelay(s.backoff, s.cfg.Reconnect.Delay)
	s.timer = s.cfg.AfterFunc(d, s.reconnect)

	e := s.newEvent(EventReconnectScheduled)
	e.Attempt = s.attempt
	e.Delay = d
	s.events.push(e)
	log.Debug().Str("component", "chat").Str("conv_id", s.conversationID()).Int("attempt", s.attempt).Dur("delay", d).Msg("reconnect scheduled")
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.timer = nil
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	id := s.identity.ConversationID
	ctx := s.ctx
	s.mu.Unlock()

	token, err := s.cfg.Tokens.Token(ctx)
	var conn Conn
	if err == nil {
		conn, err = s.cfg.Dialer.Dial(ctx, id, token)
	}

	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		attempt := s.attempt
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		log.Warn().Err(err).Str("component", "chat").Str("conv_id", id).Int("attempt", attempt).Msg("reconnect attempt failed")
		return
	}
	s.conn = conn
	s.attempt = 0
	s.backoff.Reset()
	s.setStateLocked(StateLive)
	s.mu.Unlock()

	log.Info().Str("component", "chat").Str("conv_id", id).Msg("live transport restored")

	catchUp := !s.cfg.DisableCatchUp
	if catchUp {
		s.holdFrames()
	}
	go s.readLoop(conn)
	if catchUp {
		s.catchUp(ctx, id, token)
	}
	s.flushOutbox()
}

// catchUp merges messages persisted while the transport was down.
// Live frames received meanwhile are replayed afterwards.
func (s *Session) catchUp(ctx context.Context, id, token string) {
	var merged []Message
	defer func() { s.releaseFrames(merged) }()

	history, err := s.cfg.History.FetchHistory(ctx, id, token)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("conv_id", id).Msg("catch-up history fetch failed")
		return
	}
	if s.State() == StateClosed {
		return
	}
	for i := len(history) - 1; i >= 0; i-- {
		s.transcript.Reconcile(history[i])
	}
	merged = history
	e := s.newEvent(EventHistoryLoaded)
	e.Count = len(history)
	s.events.push(e)
}
