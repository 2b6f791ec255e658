// Package llm issues requests to the Gemini generateContent endpoint with a bounded
// exponential-backoff retry policy and two failure-handling modes.
package llm

import (
	"context"
	"net/http"

	"google.golang.org/genai"

	"osce/pkg/llm/llmerrors"
)

const (
	// DefaultModel is the model used for grading and patient replies.
	DefaultModel = "gemini-2.5-flash-lite"

	// MIMETypeJSON asks the endpoint for a JSON document.
	MIMETypeJSON = "application/json"

	// TemperatureGrading is the sampling temperature for grading and scheme design.
	TemperatureGrading float32 = 0.2
)

// Mode selects what Invoke does with a terminal failure.
type Mode int

const (
	// ModeFailFast returns the terminal failure as an error. Used by the interactive chat path.
	ModeFailFast Mode = iota
	// ModeDegrade returns the last failed outcome as data with a nil error, so one agent's
	// exhaustion does not abort its siblings.
	ModeDegrade
)

func (m Mode) String() string {
	if m == ModeDegrade {
		return "degrade"
	}
	return "fail-fast"
}

// StatusClass is the classified result of one attempt.
type StatusClass string

const (
	StatusSuccess     StatusClass = "success"
	StatusClientError StatusClass = "clientError"
	StatusServerError StatusClass = "serverError"
	StatusTimeout     StatusClass = "timeout"
)

// GenerationConfig carries the optional generation settings of a request.
type GenerationConfig struct {
	ResponseMIMEType string
	Temperature      *float32
}

// JSONGeneration returns the config used by the grading and scheme agents.
func JSONGeneration() *GenerationConfig {
	temperature := TemperatureGrading
	return &GenerationConfig{
		ResponseMIMEType: MIMETypeJSON,
		Temperature:      &temperature,
	}
}

// Request is one generateContent call.
type Request struct {
	Prompt            string
	SystemInstruction string
	Generation        *GenerationConfig
	// FileSearchStores enables the retrieval tool over the named stores.
	FileSearchStores []string
}

// Outcome is the final attempt of an Invoke call. Only the last attempt is retained.
type Outcome struct {
	Response *genai.GenerateContentResponse
	Err      error
	Status   StatusClass
	Body     string // server message for failed attempts
	Attempts int
}

// OK reports whether the final attempt succeeded.
func (o *Outcome) OK() bool {
	return o.Status == StatusSuccess && o.Err == nil
}

// FailureStatus is the HTTP status reported for a failed outcome. Failures without a
// response, such as exhausted timeouts, report 503.
func (o *Outcome) FailureStatus() int {
	if code := llmerrors.StatusCode(o.Err); code != 0 {
		return code
	}
	return http.StatusServiceUnavailable
}

// Endpoint is the generateContent surface of the Gemini API. *genai.Models satisfies it.
type Endpoint interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Invoker is what the grading, scheme and patient packages depend on.
type Invoker interface {
	Invoke(ctx context.Context, req Request, mode Mode) (Outcome, error)
}

// buildContents converts a Request into the genai call arguments.
func buildContents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		}
	}
	if req.Generation != nil {
		cfg.ResponseMIMEType = req.Generation.ResponseMIMEType
		cfg.Temperature = req.Generation.Temperature
	}
	if len(req.FileSearchStores) > 0 {
		cfg.Tools = []*genai.Tool{{
			FileSearch: &genai.FileSearch{FileSearchStoreNames: req.FileSearchStores},
		}}
	}

	return genai.Text(req.Prompt), cfg
}
