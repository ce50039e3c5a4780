package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marketchat/pkg/backend"
	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/events"
)

type OpenSettings struct {
	ConversationID string `glazed:"conversation-id"`
	Title          string `glazed:"title"`
}

type OpenCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &OpenCommand{}

func NewOpenCommand() (*OpenCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, errors.Wrap(err, "build config sections")
	}
	return &OpenCommand{
		CommandDescription: cmds.NewCommandDescription(
			"open",
			cmds.WithShort("Open a conversation, or the last opened one"),
			cmds.WithFlags(
				fields.New("title", fields.TypeString, fields.WithHelp("Display title for the conversation")),
			),
			cmds.WithArguments(
				fields.New("conversation-id", fields.TypeString, fields.WithHelp("Conversation to open")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *OpenCommand) Run(ctx context.Context, parsed *values.Values) error {
	openSettings := &OpenSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, openSettings); err != nil {
		return errors.Wrap(err, "decode open settings")
	}
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	var explicit *chat.ConversationIdentity
	if openSettings.ConversationID != "" {
		explicit = &chat.ConversationIdentity{ConversationID: openSettings.ConversationID, DisplayTitle: openSettings.Title}
	}
	return runOpen(ctx, s, explicit)
}

func runOpen(ctx context.Context, s config.Settings, explicit *chat.ConversationIdentity) error {
	if err := ensureCredentials(&s); err != nil {
		return err
	}
	a, err := newApp(s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	identity, found, err := a.directory.Resolve(ctx, explicit)
	if err != nil {
		return err
	}
	if !found {
		_, _ = fmt.Fprintln(os.Stderr, "No conversation to open. Pass an id, or start one with `create`.")
		return nil
	}

	bus, err := events.NewBus(s.Bus())
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	session, err := chat.NewSession(chat.SessionConfig{
		Username:       s.Auth.Username,
		Directory:      a.directory,
		History:        a.client,
		Dialer:         a.dialer,
		Tokens:         chat.StaticToken(s.Auth.Token),
		Sink:           events.NewSink(bus.Publisher),
		Reconnect:      s.Reconnect.Policy(),
		DisableCatchUp: !s.Reconnect.CatchUp,
	})
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	r := newRenderer(os.Stdout, session.IsOwn)
	follower, err := bus.Follow(ctx, identity.ConversationID, func(e chat.Event, _ events.Cursor) {
		r.event(e)
	})
	if err != nil {
		return err
	}
	defer follower.Stop()

	r.header(identity)
	if err := session.Open(ctx, &identity); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			log.Info().Str("conv_id", identity.ConversationID).Msg("remembered conversation is gone, forgetting it")
			if ferr := a.directory.Forget(ctx); ferr != nil {
				log.Warn().Err(ferr).Msg("could not forget conversation")
			}
		}
		return err
	}
	r.messages(session.Snapshot())
	r.notice("-- type a message and press enter; /retry <id>, /discard <id>, /copy, /state, /quit")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	go scanLines(lines)

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := handleLine(gctx, session, follower, r, line)
				if err != nil {
					r.notice("-- %v", err)
				}
				if quit {
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return session.Close()
	})
	return g.Wait()
}

func scanLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func handleLine(ctx context.Context, session *chat.Session, follower *events.Follower, r *renderer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := session.Send(ctx, line)
		return false, err
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/state":
		r.notice("-- %s, %d messages, %s", session.State(), len(session.Snapshot()), describeCursor(follower.Last()))
	case "/copy":
		if err := clipboard.WriteAll(plainTranscript(session.Snapshot())); err != nil {
			return false, errors.Wrap(err, "copy transcript")
		}
		r.notice("-- transcript copied")
	case "/retry":
		if arg == "" {
			return false, errors.New("usage: /retry <id>")
		}
		return false, session.Retry(arg)
	case "/discard":
		if arg == "" {
			return false, errors.New("usage: /discard <id>")
		}
		if err := session.Discard(arg); err != nil {
			return false, err
		}
		r.notice("-- discarded %s", arg)
	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func describeCursor(c events.Cursor) string {
	if c.Seq == 0 {
		return "no events yet"
	}
	if c.StreamID != "" {
		return fmt.Sprintf("last event #%d (stream %s)", c.Seq, c.StreamID)
	}
	return fmt.Sprintf("last event #%d", c.Seq)
}
