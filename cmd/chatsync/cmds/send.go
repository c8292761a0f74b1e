package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/sendctl"
	"github.com/go-go-golems/chatsync/pkg/session"
)

type SendCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*SendCommand)(nil)

type SendSettings struct {
	Text    string `glazed:"text"`
	Session string `glazed:"session"`
	New     bool   `glazed:"new"`
	Render  bool   `glazed:"render"`
	Copy    bool   `glazed:"copy"`
}

func NewSendCommand() (*SendCommand, error) {
	appS, err := appSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"send",
		cmds.WithShort("Send a message and print the streamed reply"),
		cmds.WithLong(`Send a message to a session and print the reply as it streams in.
Without --session a new local session is started; it is bound to the
chat service's id once the service has recorded the first message.`),
		cmds.WithArguments(
			fields.New("text", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Message text")),
		),
		cmds.WithFlags(
			fields.New("session", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Session id to send to")),
			fields.New("new", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Start a new session even when --session is set")),
			fields.New("render", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Render the final reply as markdown")),
			fields.New("copy", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Copy the final reply to the clipboard")),
		),
		cmds.WithSections(appS...),
	)
	return &SendCommand{CommandDescription: desc}, nil
}

// streamPrinter writes the growing reply incrementally. Chunks carry the
// whole reply so far; only the unseen suffix is written.
type streamPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed string
	enabled bool
}

func (p *streamPrinter) OnTextChunk(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	if !strings.HasPrefix(text, p.printed) {
		// the reply was rewritten; start a fresh line
		_, _ = fmt.Fprintln(p.w)
		p.printed = ""
	}
	_, _ = io.WriteString(p.w, text[len(p.printed):])
	p.printed = text
}

func (p *streamPrinter) Printed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printed
}

func (p *streamPrinter) listener() sendctl.Listener {
	return sendctl.ListenerFuncs{
		TextChunk: p.OnTextChunk,
		StateChange: func(s sendctl.State) {
			log.Debug().Str("component", "send").Str("state", string(s)).Msg("state changed")
		},
	}
}

func (c *SendCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &SendSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	// markdown rendering replaces the live output
	printer := &streamPrinter{w: w, enabled: !s.Render}
	app, err := openApp(ctx, parsed, printer.listener())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	ctrl := app.Controller
	if s.New || s.Session == "" {
		_, err = ctrl.NewChat(ctx)
	} else {
		_, err = ctrl.Select(ctx, s.Session)
	}
	if err != nil {
		return err
	}

	sendErr := ctrl.Send(ctx, s.Text)
	reply := lastReply(ctrl.History())

	if printer.Printed() != "" {
		_, _ = fmt.Fprintln(w)
	}
	if s.Render && reply != "" {
		out, err := renderMarkdown(reply)
		if err != nil {
			return err
		}
		_, _ = io.WriteString(w, out)
	} else if printer.Printed() == "" && reply != "" {
		// the reply only arrived through reconciliation
		_, _ = fmt.Fprintln(w, reply)
	}

	cur := ctrl.Current()
	log.Info().Str("component", "send").Str("session_id", cur.ID).Str("session_key", cur.SessionID).Msg("send finished")
	if isTerminal(os.Stderr) {
		_, _ = fmt.Fprintf(os.Stderr, "session: %s\n", cur.ID)
	}

	if sendErr != nil {
		return sendErr
	}
	if s.Copy && reply != "" {
		if err := clipboard.WriteAll(reply); err != nil {
			return errors.Wrap(err, "copy reply to clipboard")
		}
	}
	return nil
}

// lastReply returns the content of the newest assistant message.
func lastReply(h *sendctl.History) string {
	_, msgs := h.Snapshot()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}
