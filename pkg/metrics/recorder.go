// Package metrics records upstream call and grading metrics.
package metrics

import "time"

// Recorder defines the interface for recording endpoint and agent metrics.
type Recorder interface {
	// ObserveAttempt records one request to the endpoint and its status class.
	ObserveAttempt(model, status string, duration time.Duration)

	// ObserveRetry records a backoff wait scheduled after a transient failure.
	ObserveRetry(model, status string, delay time.Duration)

	// ObserveCall records the end of an attempt sequence.
	ObserveCall(model, mode, outcome string, attempts int)

	// ObserveTokens records prompt and completion token usage of a successful call.
	ObserveTokens(model string, promptTokens, completionTokens int)

	// ObserveAgent records the final state and score of one grading agent.
	ObserveAgent(agent, state string, score int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) ObserveAttempt(_, _ string, _ time.Duration) {}
func (NoopRecorder) ObserveRetry(_, _ string, _ time.Duration) {}
func (NoopRecorder) ObserveCall(_, _, _ string, _ int) {}
func (NoopRecorder) ObserveTokens(_ string, _, _ int) {}
func (NoopRecorder) ObserveAgent(_, _ string, _ int) {}
