package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/console"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/sendctl"
)

const envPrefix = "CHATSYNC"

// appSections returns the console and redis sections every command carries.
func appSections() ([]schema.Section, error) {
	consoleSection, err := console.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build console section")
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	return []schema.Section{consoleSection, redisSection}, nil
}

func decodeSettings(parsed *values.Values) (console.Settings, redisstream.Settings, error) {
	cs := console.DefaultSettings()
	if err := parsed.DecodeSectionInto(console.SectionSlug, &cs); err != nil {
		return cs, redisstream.Settings{}, errors.Wrap(err, "init console settings")
	}
	rs := redisstream.DefaultSettings()
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return cs, rs, errors.Wrap(err, "init redis settings")
	}
	return cs, rs, nil
}

func openApp(ctx context.Context, parsed *values.Values, listeners ...sendctl.Listener) (*console.App, error) {
	cs, rs, err := decodeSettings(parsed)
	if err != nil {
		return nil, err
	}
	return console.New(ctx, cs, rs, listeners...)
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(envPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func buildCobra(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage chat sessions",
	Long:  "List, inspect, create, rename, delete and export chat sessions through the local session cache.",
}

// AddToRootCommand registers every chatsync subcommand on root.
func AddToRootCommand(root *cobra.Command) {
	chatConstructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return NewChatsListCommand() },
		func() (cmds.Command, error) { return NewChatsGetCommand() },
		func() (cmds.Command, error) { return NewChatsCreateCommand() },
		func() (cmds.Command, error) { return NewChatsRenameCommand() },
		func() (cmds.Command, error) { return NewChatsDeleteCommand() },
		func() (cmds.Command, error) { return NewChatsExportCommand() },
	}
	for _, newCmd := range chatConstructors {
		c, err := newCmd()
		cobra.CheckErr(err)
		cobraCmd, err := buildCobra(c)
		cobra.CheckErr(err)
		chatsCmd.AddCommand(cobraCmd)
	}
	root.AddCommand(chatsCmd)

	sendCmd, err := NewSendCommand()
	cobra.CheckErr(err)
	cobraSendCmd, err := buildCobra(sendCmd)
	cobra.CheckErr(err)
	root.AddCommand(cobraSendCmd)

	serveCmd, err := NewServeCommand()
	cobra.CheckErr(err)
	cobraServeCmd, err := buildCobra(serveCmd)
	cobra.CheckErr(err)
	root.AddCommand(cobraServeCmd)
}
