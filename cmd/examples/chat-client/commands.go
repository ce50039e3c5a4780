package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/config"
)

type CreateSettings struct {
	ServiceRequest string `glazed:"service-request"`
	Title          string `glazed:"title"`
}

type CreateCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &CreateCommand{}

func NewCreateCommand() (*CreateCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, errors.Wrap(err, "build config sections")
	}
	return &CreateCommand{
		CommandDescription: cmds.NewCommandDescription(
			"create",
			cmds.WithShort("Start a conversation about a service request and remember it"),
			cmds.WithFlags(
				fields.New("service-request", fields.TypeString, fields.WithHelp("Service request the conversation is about"), fields.WithRequired(true)),
				fields.New("title", fields.TypeString, fields.WithHelp("Display title to remember")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *CreateCommand) Run(ctx context.Context, parsed *values.Values) error {
	cs := &CreateSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return errors.Wrap(err, "decode create settings")
	}
	if cs.ServiceRequest == "" {
		return errors.New("--service-request is required")
	}
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	if err := ensureCredentials(&s); err != nil {
		return err
	}
	a, err := newApp(s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	id, err := a.client.CreateConversation(ctx, s.Auth.Token, cs.ServiceRequest)
	if err != nil {
		return err
	}
	identity, _, err := a.directory.Resolve(ctx, &chat.ConversationIdentity{ConversationID: id, DisplayTitle: cs.Title})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "created conversation %s\n", identity.ConversationID)
	return nil
}

type InboxCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &InboxCommand{}

func NewInboxCommand() (*InboxCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, errors.Wrap(err, "build config sections")
	}
	return &InboxCommand{
		CommandDescription: cmds.NewCommandDescription(
			"inbox",
			cmds.WithShort("List your conversations"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *InboxCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	if err := ensureCredentials(&s); err != nil {
		return err
	}
	a, err := newApp(s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rows, err := a.client.ListConversations(ctx, s.Auth.Token)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, metaStyle.Render("inbox is empty"))
		return nil
	}
	for _, row := range rows {
		latest := metaStyle.Render("no messages yet")
		if row.LatestBody != "" {
			prefix := ""
			if chat.SameSender(row.LatestSender, s.Auth.Username) {
				prefix = "You: "
			}
			latest = prefix + row.LatestBody
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s %s  %s\n    %s\n",
			titleStyle.Render(row.ConversationID),
			peerStyle.Render(row.Title),
			metaStyle.Render(row.OtherParticipant+" · "+row.LastActivity.Local().Format(time.DateTime)),
			latest)
	}
	return nil
}

type LastCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &LastCommand{}

func NewLastCommand() (*LastCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, errors.Wrap(err, "build config sections")
	}
	return &LastCommand{
		CommandDescription: cmds.NewCommandDescription(
			"last",
			cmds.WithShort("Show the remembered conversation"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *LastCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	a, err := newApp(s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	identity, found, err := a.directory.Last(ctx)
	if err != nil {
		return err
	}
	if !found {
		_, _ = fmt.Fprintln(os.Stdout, "no conversation remembered")
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", identity.ConversationID, identity.DisplayTitle)
	return nil
}

type ForgetCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ForgetCommand{}

func NewForgetCommand() (*ForgetCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, errors.Wrap(err, "build config sections")
	}
	return &ForgetCommand{
		CommandDescription: cmds.NewCommandDescription(
			"forget",
			cmds.WithShort("Forget the remembered conversation"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ForgetCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := loadSettings(parsed)
	if err != nil {
		return err
	}
	a, err := newApp(s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return a.directory.Forget(ctx)
}

type ShowConfigCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ShowConfigCommand{}

func NewShowConfigCommand() (*ShowConfigCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, errors.Wrap(err, "build config sections")
	}
	return &ShowConfigCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show-config",
			cmds.WithShort("Print the resolved settings as YAML"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ShowConfigCommand) Run(_ context.Context, parsed *values.Values) error {
	s, err := config.FromValues(parsed)
	if err != nil {
		return err
	}
	out, err := renderSettings(s)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(out)
	return nil
}

// renderSettings prints settings with the token masked.
func renderSettings(s config.Settings) ([]byte, error) {
	if s.Auth.Token != "" {
		s.Auth.Token = "********"
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode settings")
	}
	return b, nil
}
