// Package grading scores an interview transcript with several independent LLM agents
// and merges their evaluations into one report.
package grading

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"osce/pkg/llm"
)

// ResponseFormat is the output an agent asks the model for.
type ResponseFormat int

const (
	FormatJSON ResponseFormat = iota
	FormatText
)

// AgentTask is one agent call within a run. Keys are unique per run.
type AgentTask struct {
	Key    string
	Prompt string
	Format ResponseFormat
}

// AgentState tracks one agent task through a run.
type AgentState string

const (
	StatePending   AgentState = "pending"
	StateRetrying  AgentState = "retrying"
	StateSucceeded AgentState = "succeeded"
	StateDegraded  AgentState = "degraded"
)

// Placeholder texts for summary fields the model did not supply.
const (
	MissingJustification = "Could not generate summary justification."
	MissingPositive      = "Could not generate positive feedback."
	MissingImprovement   = "Could not generate improvement suggestions."
)

// Error texts recorded on degraded agents.
const (
	errAPIFailed   = "API request failed with status %d."
	errParseFailed = "Failed to parse evaluation response."
)

// ParsedEvaluation is one agent's evaluation. A degraded agent has Error set and Score 0.
type ParsedEvaluation struct {
	Score                 *int   `json:"score,omitempty"`
	Justification         string `json:"justification,omitempty"`
	PositiveFeedback      string `json:"positive_feedback,omitempty"`
	ImprovementSuggestion string `json:"improvement_suggestion,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// HasScore reports whether the evaluation contributes to the mean.
func (e ParsedEvaluation) HasScore() bool {
	return e.Error == "" && e.Score != nil
}

// ScoreValue returns the score, or 0 when absent.
func (e ParsedEvaluation) ScoreValue() int {
	if e.Score == nil {
		return 0
	}
	return *e.Score
}

// IsEmpty reports whether no evaluation field was present at all.
func (e ParsedEvaluation) IsEmpty() bool {
	return e.Score == nil && e.Justification == "" && e.PositiveFeedback == "" &&
		e.ImprovementSuggestion == "" && e.Error == ""
}

// UnmarshalJSON is lenient about field types. A JSON number score is rounded and clamped
// to 0..100; any other score (string, null, object) is dropped. Text fields that arrive as
// arrays, objects, numbers or booleans are flattened to text instead of failing the decode.
func (e *ParsedEvaluation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Score                 json.RawMessage `json:"score"`
		Justification         json.RawMessage `json:"justification"`
		PositiveFeedback      json.RawMessage `json:"positive_feedback"`
		ImprovementSuggestion json.RawMessage `json:"improvement_suggestion"`
		Error                 json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err //nolint:wrapcheck // classified by the caller
	}
	*e = ParsedEvaluation{
		Score:                 scoreFrom(raw.Score),
		Justification:         textFrom(raw.Justification),
		PositiveFeedback:      textFrom(raw.PositiveFeedback),
		ImprovementSuggestion: textFrom(raw.ImprovementSuggestion),
		Error:                 textFrom(raw.Error),
	}
	return nil
}

func scoreFrom(raw json.RawMessage) *int {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || !isNumber(raw) {
		return nil
	}
	score := int(math.Round(math.Max(0, math.Min(100, v))))
	return &score
}

// isNumber rejects null, which json.Unmarshal accepts into a float64 as a no-op.
func isNumber(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9'))
}

// textFrom flattens a JSON value to display text: strings as-is, array elements one per
// line, objects and scalars as compact JSON. Null and absent values are empty.
func textFrom(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return s
		}
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(trimmed, &items) == nil {
			lines := make([]string, 0, len(items))
			for _, item := range items {
				if line := textFrom(item); line != "" {
					lines = append(lines, line)
				}
			}
			return strings.Join(lines, "\n")
		}
	}
	var buf bytes.Buffer
	if json.Compact(&buf, trimmed) != nil {
		return string(trimmed)
	}
	return buf.String()
}

func intPtr(v int) *int {
	return &v
}

// degraded builds the evaluation recorded for a failed agent.
func degraded(message string) ParsedEvaluation {
	return ParsedEvaluation{Error: message, Score: intPtr(0)}
}

// AgentResult is the outcome of one agent task.
type AgentResult struct {
	Key        string
	Outcome    llm.Outcome
	Evaluation ParsedEvaluation
	State      AgentState
	Duration   time.Duration
}

// Retried reports whether the task passed through the retrying state.
func (r AgentResult) Retried() bool {
	return r.Outcome.Attempts > 1
}

// AggregateReport is the result of one evaluation. OverallScore is always the computed
// mean of the scoring agents, including in the summary entry.
type AggregateReport struct {
	PerAgent     map[string]ParsedEvaluation `json:"per_agent"`
	States       map[string]AgentState       `json:"states,omitempty"`
	SummaryKey   string                      `json:"summary_key"`
	OverallScore int                         `json:"overall_score"`
}

// Summary returns the summary agent's entry.
func (r AggregateReport) Summary() ParsedEvaluation {
	return r.PerAgent[r.SummaryKey]
}
