package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/console"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/uievents"
	"github.com/go-go-golems/chatsync/pkg/webbridge"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ServeCommand)(nil)

type ServeSettings struct {
	Addr  string `glazed:"addr"`
	Topic string `glazed:"topic"`
}

func NewServeCommand() (*ServeCommand, error) {
	appS, err := appSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the session cache and send controller over HTTP and websockets"),
		cmds.WithLong(`Expose the session cache and the send controller as a small HTTP API.
Controller updates are published on the event bus (Redis Streams with
--redis-enabled, in process otherwise) and broadcast to /ws clients.`),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(":8090"),
				fields.WithHelp("HTTP listen address")),
			fields.New("topic", fields.TypeString, fields.WithDefault(uievents.Topic),
				fields.WithHelp("Event bus topic for UI events")),
		),
		cmds.WithSections(appS...),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cs, rs, err := decodeSettings(parsed)
	if err != nil {
		return err
	}

	bus, err := redisstream.BuildBus(ctx, rs, s.Topic)
	if err != nil {
		return errors.Wrap(err, "build event bus")
	}
	defer func() { _ = bus.Close() }()

	var app *console.App
	publisher := uievents.NewPublisher(bus.Publisher,
		uievents.WithTopic(s.Topic),
		uievents.WithCurrentSession(func() string {
			if app == nil {
				return ""
			}
			return app.Controller.Current().ID
		}),
	)
	app, err = console.New(ctx, cs, rs, publisher)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	srv := webbridge.NewServer(app.Controller, app.Cache, bus.Subscriber, webbridge.WithTopic(s.Topic))
	log.Info().Str("addr", s.Addr).Str("topic", s.Topic).Bool("redis", rs.Enabled).Msg("serving chatsync")
	return srv.Run(ctx, s.Addr)
}
