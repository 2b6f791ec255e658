// Package patient generates the simulated patient's replies during an interview.
package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"osce/pkg/grading"
	"osce/pkg/llm"
	"osce/pkg/llm/llmerrors"
	"osce/pkg/llm/parse"
	"osce/pkg/logx"
)

const (
	doctorRole  = "醫師"
	patientRole = "病人"

	latestQuestionPrefix = "\n\n以下是醫師的最新提問，請您作為病人進行回覆：\n"
	finalInstruction     = "\n\n你是「病人」。請只用「病人」的身份和語氣回覆上面「醫師」的最後一句話。你的回覆必須簡短，只能有1-3句話。絕對不要自己產生「醫師」的回覆或任何角色標籤。"

	// FallbackReply is returned when the model answers without any text.
	FallbackReply = "I couldn't generate a response."
)

// ErrEmptyMessage is returned for a blank doctor message.
var ErrEmptyMessage = errors.New("message cannot be empty")

// PromptSource supplies the patient persona.
type PromptSource interface {
	CombinedPrompt(patientID string) string
}

// Responder answers a doctor's question in character.
type Responder struct {
	client  llm.Invoker
	prompts PromptSource
	logger  *logx.Logger
}

// NewResponder creates a responder.
func NewResponder(client llm.Invoker, prompts PromptSource) *Responder {
	return &Responder{client: client, prompts: prompts, logger: logx.NewLogger("patient")}
}

// BuildPrompt assembles the single-turn prompt. The persona is sent only on the first
// turn; later turns carry the conversation so far instead.
func BuildPrompt(persona string, history []grading.Turn, message string) string {
	var b strings.Builder
	if len(history) == 0 {
		b.WriteString(persona)
	} else {
		for i, t := range history {
			if i > 0 {
				b.WriteByte('\n')
			}
			role := patientRole
			if t.Role == "user" {
				role = doctorRole
			}
			b.WriteString(role + ": " + t.Content)
		}
	}
	b.WriteString(latestQuestionPrefix)
	b.WriteString(doctorRole + ": " + message)
	b.WriteString(finalInstruction)
	return b.String()
}

// Reply returns the patient's answer to message. The call fails fast: once retries are
// exhausted the error carries a user-visible "try again later" message.
func (r *Responder) Reply(ctx context.Context, patientID string, history []grading.Turn, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	prompt := BuildPrompt(r.prompts.CombinedPrompt(patientID), history, message)
	out, err := r.client.Invoke(ctx, llm.Request{Prompt: prompt}, llm.ModeFailFast)
	if err != nil {
		if llmerrors.Is(err, llmerrors.ErrorTypeClient) && llmerrors.StatusCode(err) != 0 {
			return "", fmt.Errorf("Gemini API error: %d - %s", llmerrors.StatusCode(err), out.Body) //nolint:stylecheck // shown to the user
		}
		return "", err
	}

	text, err := parse.ExtractText(out.Response)
	if err != nil {
		r.logger.Warn("empty reply for patient %s: %v", patientID, err)
		return FallbackReply, nil
	}
	return text, nil
}

// UserMessage returns the text to show the user for a Reply error.
func UserMessage(err error) string {
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) && llmErr.Message != "" {
		return llmErr.Message
	}
	if errors.Is(err, ErrEmptyMessage) {
		return "Message cannot be empty"
	}
	return err.Error()
}
