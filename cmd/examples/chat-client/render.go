package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("#25A065")).Padding(0, 1)
	ownStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	peerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	metaStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	pendingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#AFAFAF"))
)

// renderer prints transcript changes once per entry, plus delivery updates.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	isOwn   func(chat.Message) bool
	printed map[string]chat.DeliveryState
}

func newRenderer(out io.Writer, isOwn func(chat.Message) bool) *renderer {
	return &renderer{out: out, isOwn: isOwn, printed: map[string]chat.DeliveryState{}}
}

func (r *renderer) header(identity chat.ConversationIdentity) {
	title := identity.DisplayTitle
	if title == "" {
		title = "conversation " + identity.ConversationID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintln(r.out, titleStyle.Render(title))
}

func (r *renderer) messages(msgs []chat.Message) {
	for _, m := range msgs {
		r.message(m)
	}
}

func (r *renderer) message(m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.printed[m.LocalID]
	if seen {
		if prev != m.DeliveryState && m.DeliveryState == chat.DeliveryFailed {
			_, _ = fmt.Fprintln(r.out, failedStyle.Render(fmt.Sprintf("! not delivered: %q  (/retry %s or /discard %s)", m.Body, m.LocalID, m.LocalID)))
		}
		r.printed[m.LocalID] = m.DeliveryState
		return
	}
	r.printed[m.LocalID] = m.DeliveryState
	_, _ = fmt.Fprintln(r.out, formatLine(m, r.isOwn(m)))
}

func (r *renderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintln(r.out, metaStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *renderer) event(e chat.Event) {
	switch e.Type {
	case chat.EventMessageAppended, chat.EventMessageUpdated:
		if e.Message != nil {
			r.message(*e.Message)
		}
	case chat.EventStateChanged:
		if e.State == chat.StateReconnecting || e.State == chat.StateLive {
			r.notice("-- %s", e.State)
		}
	case chat.EventReconnectScheduled:
		r.notice("-- reconnecting in %s (attempt %d)", e.Delay, e.Attempt)
	case chat.EventFrameDropped:
		r.notice("-- dropped an unreadable message")
	case chat.EventHistoryLoaded, chat.EventLoadFailed, chat.EventMessageRemoved:
	}
}

func formatLine(m chat.Message, own bool) string {
	name := peerStyle.Render(m.SenderName)
	if own {
		name = ownStyle.Render("you")
	}
	line := fmt.Sprintf("%s %s: %s", metaStyle.Render(m.SentAt.Local().Format(time.Kitchen)), name, m.Body)
	switch m.DeliveryState {
	case chat.DeliveryPending:
		line += " " + pendingStyle.Render("(sending)")
	case chat.DeliveryFailed:
		line += " " + failedStyle.Render("(failed, /retry "+m.LocalID+")")
	case chat.DeliverySent:
	}
	return line
}

// plainTranscript is what /copy puts on the clipboard.
func plainTranscript(msgs []chat.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.Format(time.RFC3339), m.SenderName, m.Body)
	}
	return b.String()
}
