package llm

import (
	"context"
	"time"

	"google.golang.org/genai"

	"osce/pkg/llm/llmerrors"
	"osce/pkg/logx"
	"osce/pkg/metrics"
	"osce/pkg/utils"
)

// User-visible messages for fail-fast exhaustion.
const (
	UnavailableMessage = "The service is currently unavailable after multiple retries. Please try again later."
	TimedOutMessage    = "The service timed out after multiple retries. Please try again later."
)

// Client issues generateContent requests and retries transient failures.
// It is safe for concurrent use; the policy and model are read-only.
type Client struct {
	endpoint Endpoint
	policy   *Policy
	recorder metrics.Recorder
	logger   *logx.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	model    string
}

// Option customises a Client.
type Option func(*Client)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSleeper replaces the backoff wait. Tests use it to avoid real sleeps.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// NewClient wraps endpoint with the retry policy. A nil policy uses DefaultRetryConfig.
func NewClient(endpoint Endpoint, model string, policy *Policy, opts ...Option) *Client {
	if policy == nil {
		policy = NewPolicy(DefaultRetryConfig)
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		endpoint: endpoint,
		model:    model,
		policy:   policy,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("llm"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name requests are sent to.
func (c *Client) Model() string {
	return c.model
}

// Policy returns the client's retry policy.
func (c *Client) Policy() *Policy {
	return c.policy
}

// Invoke sends req, retrying 5xx and timeouts per the policy.
//
// Configuration errors are always returned as errors, before any network call.
// Otherwise, in ModeDegrade the final failed Outcome is returned with a nil error;
// in ModeFailFast a terminal failure is returned as an error as well.
func (c *Client) Invoke(ctx context.Context, req Request, mode Mode) (Outcome, error) {
	contents, config := buildContents(&req)
	logx.Debug(ctx, "llm", "request model=%s mode=%s prompt=%s",
		c.model, mode, llmerrors.SanitizePrompt(req.Prompt, 400))

	var out Outcome
	maxAttempts := c.policy.MaxAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.policy.Delay(attempt - 1)
			c.recorder.ObserveRetry(c.model, string(out.Status), delay)
			c.logger.Warn("Gemini API error: %v. Retrying in %.2f seconds... (Attempt %d/%d)",
				out.Err, delay.Seconds(), attempt-1, c.policy.Config().MaxRetries)
			if err := c.sleep(ctx, delay); err != nil {
				out = Outcome{
					Status:   StatusClientError,
					Err:      llmerrors.NewErrorWithCause(llmerrors.ErrorTypeClient, err, "retry cancelled"),
					Attempts: out.Attempts,
				}
				break
			}
		}

		out = c.attempt(ctx, contents, config, attempt)
		if out.Err == nil {
			c.recordUsage(&req, out.Response)
			c.recorder.ObserveCall(c.model, mode.String(), "success", attempt)
			return out, nil
		}
		if llmerrors.Is(out.Err, llmerrors.ErrorTypeConfiguration) {
			c.recorder.ObserveCall(c.model, mode.String(), "configuration", attempt)
			return out, out.Err
		}
		if !llmerrors.IsRetryable(out.Err) {
			break
		}
	}

	exhausted := llmerrors.IsRetryable(out.Err)
	if exhausted {
		c.logger.Error("Gemini API %s: Max retries reached. Last error: %v", out.Status, out.Err)
		out.Err = llmerrors.NewServiceUnavailableError(out.Err, out.Attempts)
	} else {
		c.logger.Error("Gemini API error (not retried): %v", out.Err)
	}
	c.recorder.ObserveCall(c.model, mode.String(), llmerrors.TypeOf(out.Err).String(), out.Attempts)

	if mode == ModeDegrade {
		return out, nil
	}
	if exhausted {
		message := UnavailableMessage
		if out.Status == StatusTimeout {
			message = TimedOutMessage
		}
		return out, &llmerrors.Error{
			Type:       llmerrors.ErrorTypeServiceUnavailable,
			StatusCode: llmerrors.StatusCode(out.Err),
			Message:    message,
			Err:        out.Err,
		}
	}
	return out, out.Err
}

func (c *Client) attempt(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, n int) Outcome {
	start := time.Now()
	resp, err := c.endpoint.GenerateContent(ctx, c.model, contents, config)
	status, classified := classify(ctx, err)
	c.recorder.ObserveAttempt(c.model, string(status), time.Since(start))

	out := Outcome{Status: status, Response: resp, Attempts: n}
	if classified != nil {
		out.Err = classified
		out.Body = classified.Message
		if _, message, ok := apiErrorStatus(err); ok {
			out.Body = message
		}
	}
	return out
}

func (c *Client) recordUsage(req *Request, resp *genai.GenerateContentResponse) {
	if resp == nil {
		return
	}
	if usage := resp.UsageMetadata; usage != nil && usage.PromptTokenCount > 0 {
		c.recorder.ObserveTokens(c.model, int(usage.PromptTokenCount), int(usage.CandidatesTokenCount))
		return
	}
	c.recorder.ObserveTokens(c.model,
		utils.CountTokens(req.SystemInstruction+req.Prompt),
		utils.CountTokens(resp.Text()))
}
