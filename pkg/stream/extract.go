package stream

import (
	"strings"
)

// Extractor pulls a text delta out of one decoded payload. ok=false means the
// payload does not have the shape this extractor understands.
type Extractor interface {
	Name() string
	Extract(payload map[string]any) (delta string, ok bool)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc struct {
	ID string
	Fn func(payload map[string]any) (string, bool)
}

func (e ExtractorFunc) Name() string { return e.ID }

func (e ExtractorFunc) Extract(payload map[string]any) (string, bool) {
	if e.Fn == nil {
		return "", false
	}
	return e.Fn(payload)
}

var (
	// DeltaString matches {"delta": "..."}.
	DeltaString Extractor = ExtractorFunc{ID: "delta", Fn: func(p map[string]any) (string, bool) {
		s, ok := p["delta"].(string)
		return s, ok
	}}

	// DeltaText matches {"delta": {"text": "..."}}.
	DeltaText Extractor = ExtractorFunc{ID: "delta.text", Fn: func(p map[string]any) (string, bool) {
		return nestedString(p, "delta", "text")
	}}

	// DeltaContent matches {"delta": {"content": "..."}}.
	DeltaContent Extractor = ExtractorFunc{ID: "delta.content", Fn: func(p map[string]any) (string, bool) {
		return nestedString(p, "delta", "content")
	}}

	// TextDelta matches {"text_delta": "..."}.
	TextDelta Extractor = ExtractorFunc{ID: "text_delta", Fn: func(p map[string]any) (string, bool) {
		s, ok := p["text_delta"].(string)
		return s, ok
	}}

	// Token matches {"token": "..."}.
	Token Extractor = ExtractorFunc{ID: "token", Fn: func(p map[string]any) (string, bool) {
		s, ok := p["token"].(string)
		return s, ok
	}}

	// ChoicesDelta concatenates choices[].delta.content, OpenAI style.
	ChoicesDelta Extractor = ExtractorFunc{ID: "choices[].delta.content", Fn: func(p map[string]any) (string, bool) {
		choices, ok := p["choices"].([]any)
		if !ok {
			return "", false
		}
		var sb strings.Builder
		for _, c := range choices {
			choice, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := nestedString(choice, "delta", "content"); ok {
				sb.WriteString(s)
			}
		}
		return sb.String(), true
	}}
)

// DefaultExtractors returns the extractors in precedence order. The first one
// that matches wins.
func DefaultExtractors() []Extractor {
	return []Extractor{DeltaString, DeltaText, DeltaContent, TextDelta, Token, ChoicesDelta}
}

// ExtractDelta runs extractors in order and returns the first match.
func ExtractDelta(extractors []Extractor, payload map[string]any) (string, bool) {
	for _, e := range extractors {
		if e == nil {
			continue
		}
		if s, ok := e.Extract(payload); ok {
			return s, true
		}
	}
	return "", false
}

func nestedString(p map[string]any, outer, inner string) (string, bool) {
	m, ok := p[outer].(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := m[inner].(string)
	return s, ok
}
