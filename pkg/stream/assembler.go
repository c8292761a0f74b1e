package stream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultChunkSize = 32 << 10

// RemoteError is an error reported by the chat service inside the stream.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("stream: remote error: %s", e.Message)
}

// Assembler accumulates deltas into the running reply text. One Assembler is bound
// to one request; it is not restartable.
type Assembler struct {
	extractors []Extractor
	decoder    Decoder
	text       strings.Builder
	deltas     int
	remoteErr  *RemoteError
	chunkSize  int
}

type Option func(*Assembler)

// WithExtractors replaces the extractor chain. Pass
// append(DefaultExtractors(), custom) to add a payload shape.
func WithExtractors(extractors ...Extractor) Option {
	return func(a *Assembler) {
		a.extractors = extractors
	}
}

func WithChunkSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		extractors: DefaultExtractors(),
		chunkSize:  defaultChunkSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Text returns the text assembled so far.
func (a *Assembler) Text() string { return a.text.String() }

// Deltas returns how many non-empty deltas were accepted.
func (a *Assembler) Deltas() int { return a.deltas }

// RemoteErr returns the error payload seen in the stream, if any.
func (a *Assembler) RemoteErr() error {
	if a.remoteErr == nil {
		return nil
	}
	return a.remoteErr
}

// ProcessLine handles one complete line. It returns the cumulative text and true
// when the line carried a non-empty delta.
func (a *Assembler) ProcessLine(line string) (string, bool) {
	payload, ok := ParsePayload(line)
	if !ok {
		return "", false
	}
	if msg, isErr := errorMessage(payload); isErr {
		a.remoteErr = &RemoteError{Message: msg}
		log.Debug().Str("component", "stream").Str("error", msg).Msg("error payload in stream")
		return "", false
	}
	delta, ok := ExtractDelta(a.extractors, payload)
	if !ok || delta == "" {
		return "", false
	}
	a.text.WriteString(delta)
	a.deltas++
	return a.text.String(), true
}

// Feed decodes one raw chunk and calls onText with the cumulative text for every
// accepted delta.
func (a *Assembler) Feed(chunk []byte, onText func(string)) {
	for _, line := range a.decoder.Feed(chunk) {
		if text, ok := a.ProcessLine(line); ok && onText != nil {
			onText(text)
		}
	}
}

// Finish processes the buffered partial line once more.
func (a *Assembler) Finish(onText func(string)) {
	for _, line := range a.decoder.Flush() {
		if text, ok := a.ProcessLine(line); ok && onText != nil {
			onText(text)
		}
	}
}

// Consume reads r until EOF and returns the final text. r should be bound to ctx
// (an HTTP body is) so that cancellation unblocks a pending read.
func (a *Assembler) Consume(ctx context.Context, r io.Reader, onText func(string)) (string, error) {
	buf := make([]byte, a.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return a.Text(), err
		}
		n, err := r.Read(buf)
		if n > 0 {
			a.Feed(buf[:n], onText)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return a.Text(), ctxErr
			}
			return a.Text(), errors.Wrap(err, "stream: read")
		}
	}
	a.Finish(onText)
	if a.remoteErr != nil {
		return a.Text(), a.remoteErr
	}
	return a.Text(), nil
}

func errorMessage(p map[string]any) (string, bool) {
	if status, _ := p["status"].(string); status == "failed" || status == "error" {
		if msg, ok := errorField(p["error"]); ok {
			return msg, true
		}
		return status, true
	}
	if v, present := p["error"]; present && v != nil {
		if msg, ok := errorField(v); ok {
			return msg, true
		}
	}
	return "", false
}

func errorField(v any) (string, bool) {
	switch e := v.(type) {
	case string:
		return e, e != ""
	case map[string]any:
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg, true
		}
		if code, ok := e["code"].(string); ok && code != "" {
			return code, true
		}
		return "unknown error", true
	}
	return "", false
}
