package cmds

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/tcnksm/go-input"
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// confirm asks a yes/no question and loops until it gets one.
func confirm(r io.Reader, w io.Writer, query string) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "read confirmation")
	}
	return strings.EqualFold(answer, "y"), nil
}

func renderMarkdown(text string) (string, error) {
	out, err := glamour.Render(text, "dark")
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return out, nil
}
