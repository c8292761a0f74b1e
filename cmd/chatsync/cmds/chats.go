package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/sessioncache"
)

// glazeSections prepends the glazed output sections to the app sections.
func glazeSections() ([]schema.Section, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	appS, err := appSections()
	if err != nil {
		return nil, err
	}
	return append([]schema.Section{glazedSection, commandSettingsSection}, appS...), nil
}

func sessionRow(s session.Session) types.Row {
	return types.NewRow(
		types.MRP("id", s.ID),
		types.MRP("name", s.Name),
		types.MRP("session_id", s.SessionID),
		types.MRP("user_id", s.UserID),
		types.MRP("channel", s.Channel),
		types.MRP("local", s.IsLocal()),
		types.MRP("messages", len(s.Messages)),
		types.MRP("updated_at", formatTime(s.UpdatedAt)),
	)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

// lookup resolves id against the session list first so local metadata is
// merged into the returned history.
func lookup(ctx context.Context, cache *sessioncache.Cache, id string) (session.Session, error) {
	if session.IsSentinelID(id) {
		return session.Session{}, errors.New("session id is required")
	}
	if !session.IsLocalID(id) {
		cache.SessionList(ctx)
	}
	return cache.Session(ctx, id), nil
}

type ChatsListCommand struct {
	*cmds.CommandDescription
}

type ChatsListSettings struct {
	Refresh bool `glazed:"refresh"`
}

func NewChatsListCommand() (*ChatsListCommand, error) {
	sections, err := glazeSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List chat sessions"),
		cmds.WithLong("List the sessions of the configured user and channel, newest first. Sessions that only exist locally are included."),
		cmds.WithFlags(
			fields.New("refresh", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Bypass the cached list and fetch from the chat service")),
		),
		cmds.WithSections(sections...),
	)
	return &ChatsListCommand{CommandDescription: desc}, nil
}

func (c *ChatsListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &ChatsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := openApp(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	list := app.Cache.SessionList(ctx)
	if s.Refresh {
		list = app.Cache.RefreshSessionList(ctx)
	}
	for _, sess := range list {
		if err := gp.AddRow(ctx, sessionRow(sess)); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ChatsListCommand{}

type ChatsGetCommand struct {
	*cmds.CommandDescription
}

type ChatsGetSettings struct {
	ID string `glazed:"id"`
}

func NewChatsGetCommand() (*ChatsGetCommand, error) {
	sections, err := glazeSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"get",
		cmds.WithShort("Show the history of a session"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Session id")),
		),
		cmds.WithSections(sections...),
	)
	return &ChatsGetCommand{CommandDescription: desc}, nil
}

func (c *ChatsGetCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &ChatsGetSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := openApp(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	sess, err := lookup(ctx, app.Cache, s.ID)
	if err != nil {
		return err
	}
	for i, m := range sess.Messages {
		row := types.NewRow(
			types.MRP("session", sess.ID),
			types.MRP("index", i),
			types.MRP("id", m.ID),
			types.MRP("role", m.Role),
			types.MRP("content", m.Content),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ChatsGetCommand{}

type ChatsCreateCommand struct {
	*cmds.CommandDescription
}

type ChatsCreateSettings struct {
	Name      string `glazed:"name"`
	SessionID string `glazed:"session-id"`
	Local     bool   `glazed:"local"`
}

func NewChatsCreateCommand() (*ChatsCreateCommand, error) {
	sections, err := glazeSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"create",
		cmds.WithShort("Create a chat session"),
		cmds.WithLong("Create a chat on the chat service for the configured user and channel. With --local the session is only recorded in the local cache until the first message is sent."),
		cmds.WithFlags(
			fields.New("name", fields.TypeString, fields.WithDefault(session.DefaultName),
				fields.WithHelp("Session name")),
			fields.New("session-id", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Session key the chat service groups messages by (required unless --local)")),
			fields.New("local", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Only create the session locally")),
		),
		cmds.WithSections(sections...),
	)
	return &ChatsCreateCommand{CommandDescription: desc}, nil
}

func (c *ChatsCreateCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &ChatsCreateSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := openApp(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if s.Local {
		created, err := app.Cache.CreateSession(ctx, session.Session{Name: s.Name, SessionID: s.SessionID})
		if err != nil {
			return err
		}
		return gp.AddRow(ctx, sessionRow(created))
	}

	if s.SessionID == "" {
		return errors.New("--session-id is required when creating a chat on the service")
	}
	filter := app.Cache.Filter()
	spec, err := app.Client.CreateChat(ctx, session.ChatSpec{
		Name:      s.Name,
		SessionID: s.SessionID,
		UserID:    filter.UserID,
		Channel:   filter.Channel,
		Meta:      map[string]any{},
	})
	if err != nil {
		return err
	}
	app.Cache.RefreshSessionList(ctx)
	return gp.AddRow(ctx, sessionRow(session.FromSpec(spec)))
}

var _ cmds.GlazeCommand = &ChatsCreateCommand{}

type ChatsRenameCommand struct {
	*cmds.CommandDescription
}

type ChatsRenameSettings struct {
	ID   string `glazed:"id"`
	Name string `glazed:"name"`
}

func NewChatsRenameCommand() (*ChatsRenameCommand, error) {
	sections, err := glazeSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"rename",
		cmds.WithShort("Rename a chat session"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Session id")),
		),
		cmds.WithFlags(
			fields.New("name", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("New session name")),
		),
		cmds.WithSections(sections...),
	)
	return &ChatsRenameCommand{CommandDescription: desc}, nil
}

func (c *ChatsRenameCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &ChatsRenameSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := openApp(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if _, err := lookup(ctx, app.Cache, s.ID); err != nil {
		return err
	}
	name := s.Name
	updated, err := app.Cache.UpdateSession(ctx, sessioncache.Patch{ID: s.ID, Name: &name})
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, sessionRow(updated))
}

var _ cmds.GlazeCommand = &ChatsRenameCommand{}

type ChatsDeleteCommand struct {
	*cmds.CommandDescription
}

type ChatsDeleteSettings struct {
	ID  string `glazed:"id"`
	Yes bool   `glazed:"yes"`
}

func NewChatsDeleteCommand() (*ChatsDeleteCommand, error) {
	appS, err := appSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"delete",
		cmds.WithShort("Delete a chat session"),
		cmds.WithLong("Delete a session on the chat service and from the local cache. The local copy is removed even when the service rejects the delete."),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Session id")),
		),
		cmds.WithFlags(
			fields.New("yes", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Do not ask for confirmation")),
		),
		cmds.WithSections(appS...),
	)
	return &ChatsDeleteCommand{CommandDescription: desc}, nil
}

func (c *ChatsDeleteCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &ChatsDeleteSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := openApp(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	sess, err := lookup(ctx, app.Cache, s.ID)
	if err != nil {
		return err
	}
	if !s.Yes {
		if !isTerminal(os.Stdin) {
			return errors.New("refusing to delete without --yes when stdin is not a terminal")
		}
		ok, err := confirm(os.Stdin, w, fmt.Sprintf("Delete %q (%s)? [y/n]", sess.Name, sess.ID))
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(w, "aborted")
			return nil
		}
	}
	if err := app.Cache.RemoveSession(ctx, sess); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "deleted %s\n", sess.ID)
	return err
}

var _ cmds.WriterCommand = (*ChatsDeleteCommand)(nil)

type ChatsExportCommand struct {
	*cmds.CommandDescription
}

type ChatsExportSettings struct {
	ID     string `glazed:"id"`
	Output string `glazed:"output"`
}

func NewChatsExportCommand() (*ChatsExportCommand, error) {
	appS, err := appSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"export",
		cmds.WithShort("Export a session with its history as YAML"),
		cmds.WithArguments(
			fields.New("id", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Session id")),
		),
		cmds.WithFlags(
			fields.New("output", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Write to this file instead of stdout")),
		),
		cmds.WithSections(appS...),
	)
	return &ChatsExportCommand{CommandDescription: desc}, nil
}

func (c *ChatsExportCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &ChatsExportSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := openApp(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	sess, err := lookup(ctx, app.Cache, s.ID)
	if err != nil {
		return err
	}
	if s.Output == "" {
		return exportSession(w, sess)
	}
	f, err := os.Create(s.Output)
	if err != nil {
		return errors.Wrap(err, "create export file")
	}
	defer func() { _ = f.Close() }()
	return exportSession(f, sess)
}

var _ cmds.WriterCommand = (*ChatsExportCommand)(nil)

func exportSession(w io.Writer, s session.Session) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "encode session")
	}
	return enc.Close()
}
