// Package stream turns the streaming body of a send request into cumulative reply
// text. Lines may be `event:` directives, `data:`-prefixed JSON, bare JSON or the
// `[DONE]` sentinel; anything that does not decode is dropped.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

const doneSentinel = "[DONE]"

// Decoder splits raw chunks into complete lines. The trailing fragment that is not
// yet newline-terminated is kept until the next Feed or Flush. Splitting happens on
// bytes, so a multi-byte rune cut across two chunks is reassembled intact.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, without line terminators.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)
	var lines []string
	consumed := 0
	for {
		i := bytes.IndexByte(d.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[consumed : consumed+i]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		lines = append(lines, toValidString(line))
		consumed += i + 1
	}
	if consumed > 0 {
		rest := make([]byte, len(d.buf)-consumed)
		copy(rest, d.buf[consumed:])
		d.buf = rest
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the decoder.
func (d *Decoder) Flush() []string {
	if len(d.buf) == 0 {
		return nil
	}
	line := toValidString(bytes.TrimSuffix(d.buf, []byte{'\r'}))
	d.buf = nil
	return []string{line}
}

// Pending reports the size of the buffered partial line.
func (d *Decoder) Pending() int { return len(d.buf) }

func toValidString(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// ParsePayload applies the line rules and decodes the JSON payload of one line.
// ok is false for lines that carry no payload or do not decode.
func ParsePayload(line string) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "event:") {
		return nil, false
	}
	if strings.HasPrefix(line, "data:") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	if line == "" || line == doneSentinel {
		return nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		log.Trace().Err(err).Str("component", "stream").Int("len", len(line)).Msg("dropping undecodable stream line")
		return nil, false
	}
	if payload == nil {
		return nil, false
	}
	return payload, true
}
