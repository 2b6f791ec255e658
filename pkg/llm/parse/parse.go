// Package parse pulls generated text out of a Gemini response and recovers JSON from it,
// including JSON wrapped in prose or code fences.
package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"google.golang.org/genai"

	"osce/pkg/llm/llmerrors"
)

// Stage records which recovery step produced a value.
type Stage int

const (
	StageUnparsed Stage = iota
	StageStrict
	StageFenced
	StageBrace
	StageRepaired
)

func (s Stage) String() string {
	switch s {
	case StageStrict:
		return "strict"
	case StageFenced:
		return "fenced"
	case StageBrace:
		return "brace"
	case StageRepaired:
		return "repaired"
	default:
		return "unparsed"
	}
}

// Structured is the result of ParseStructured. When Unparsed is true, JSON is nil and
// Text holds the generated text as received.
type Structured struct {
	Text     string
	JSON     json.RawMessage
	Stage    Stage
	Unparsed bool
}

// ErrUnparsed is returned by Decode for a degraded value.
var ErrUnparsed = llmerrors.NewError(llmerrors.ErrorTypeParse, "generated text contains no recoverable JSON")

//nolint:gochecknoglobals // compiled once
var fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractText returns the text parts of the first candidate joined with newlines.
func ExtractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeParse, "response has no candidates")
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeParse, "candidate has no content parts")
	}

	texts := make([]string, 0, len(content.Parts))
	for _, part := range content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		texts = append(texts, part.Text)
	}
	if len(texts) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeParse, "candidate has no text parts")
	}
	return strings.Join(texts, "\n"), nil
}

// ParseStructured recovers a JSON value from generated text. It tries, in order: the whole
// text, the first fenced block holding an object, the text from the first '{', and a
// repaired version of that substring. A repaired object is kept only if at least one of its
// values is non-null; prose with a stray '{' repairs to {"words": null} and stays unparsed.
// It never fails; check Unparsed.
func ParseStructured(text string) Structured {
	if raw, ok := strict(text); ok {
		return Structured{Text: text, JSON: raw, Stage: StageStrict}
	}

	stripped := strings.TrimSpace(text)
	if m := fencedObject.FindStringSubmatch(stripped); m != nil {
		if raw, ok := strict(m[1]); ok {
			return Structured{Text: text, JSON: raw, Stage: StageFenced}
		}
	}

	idx := strings.Index(stripped, "{")
	if idx < 0 {
		return Structured{Text: text, Unparsed: true}
	}
	tail := stripped[idx:]
	if raw, ok := strict(tail); ok {
		return Structured{Text: text, JSON: raw, Stage: StageBrace}
	}

	repaired, err := jsonrepair.JSONRepair(tail)
	if err == nil {
		if raw, ok := strict(repaired); ok && hasValues(raw) {
			return Structured{Text: text, JSON: raw, Stage: StageRepaired}
		}
	}
	return Structured{Text: text, Unparsed: true}
}

// Decode unmarshals the recovered value into v.
func (s Structured) Decode(v any) error {
	if s.Unparsed {
		return ErrUnparsed
	}
	if err := json.Unmarshal(s.JSON, v); err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, err,
			fmt.Sprintf("recovered JSON does not match %T", v))
	}
	return nil
}

// Object returns the recovered value as a map, or the raw-text fallback
// {"raw_response": text, "status": "raw_text"} when nothing could be recovered.
func (s Structured) Object() map[string]any {
	if !s.Unparsed {
		var m map[string]any
		if err := json.Unmarshal(s.JSON, &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{"raw_response": s.Text, "status": "raw_text"}
}

func strict(text string) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// hasValues reports whether raw is an object with at least one non-null value.
func hasValues(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	for _, v := range m {
		if string(bytes.TrimSpace(v)) != "null" {
			return true
		}
	}
	return false
}
