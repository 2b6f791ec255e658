package grading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"osce/pkg/llm"
	"osce/pkg/llm/llmerrors"
	"osce/pkg/llm/parse"
	"osce/pkg/logx"
	"osce/pkg/metrics"
)

// Dispatcher runs agent tasks concurrently. One task's failure never cancels or blocks
// another; every task ends with a result.
type Dispatcher struct {
	client   llm.Invoker
	recorder metrics.Recorder
	logger   *logx.Logger
}

// NewDispatcher creates a dispatcher. A nil recorder disables metrics.
func NewDispatcher(client llm.Invoker, recorder metrics.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Dispatcher{
		client:   client,
		recorder: recorder,
		logger:   logx.NewLogger("dispatcher"),
	}
}

// Run executes tasks on a pool sized to the task count and merges the results after all
// of them have finished. The returned error is non-nil only for duplicate keys or a
// configuration error; in the latter case the map still holds every task.
func (d *Dispatcher) Run(ctx context.Context, tasks []AgentTask) (map[string]AgentResult, error) {
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.Key] {
			return nil, fmt.Errorf("duplicate agent key %q", task.Key)
		}
		seen[task.Key] = true
	}
	if len(tasks) == 0 {
		return map[string]AgentResult{}, nil
	}

	// No derived context: tasks never cancel each other.
	var g errgroup.Group
	g.SetLimit(len(tasks))

	results := make([]AgentResult, len(tasks))
	var (
		mu        sync.Mutex
		configErr error
	)

	for i, task := range tasks {
		g.Go(func() error {
			result, err := d.RunTask(ctx, task)
			results[i] = result
			if err != nil {
				mu.Lock()
				if configErr == nil {
					configErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]AgentResult, len(results))
	for _, r := range results {
		merged[r.Key] = r
	}
	return merged, configErr
}

// RunTask executes a single task. It returns an error only for configuration failures.
func (d *Dispatcher) RunTask(ctx context.Context, task AgentTask) (AgentResult, error) {
	start := time.Now()
	logx.DebugState(ctx, "grading", task.Key, string(StatePending))

	req := llm.Request{Prompt: task.Prompt}
	if task.Format == FormatJSON {
		req.Generation = llm.JSONGeneration()
	}

	out, err := d.client.Invoke(ctx, req, llm.ModeDegrade)
	result := AgentResult{Key: task.Key, Outcome: out}

	switch {
	case err != nil:
		result.Evaluation = degraded(fmt.Sprintf(errAPIFailed, out.FailureStatus()))
		if !llmerrors.Is(err, llmerrors.ErrorTypeConfiguration) {
			err = nil
		}
	case !out.OK():
		d.logger.Error("Gemini API error for grading agent '%s': %d - %s", task.Key, out.FailureStatus(), out.Body)
		result.Evaluation = degraded(fmt.Sprintf(errAPIFailed, out.FailureStatus()))
	default:
		result.Evaluation = d.evaluate(task, out)
	}

	result.State = StateSucceeded
	if result.Evaluation.Error != "" {
		result.State = StateDegraded
	}
	if result.Retried() {
		logx.DebugState(ctx, "grading", task.Key, fmt.Sprintf("%s (%d attempts)", StateRetrying, out.Attempts))
	}
	result.Duration = time.Since(start)
	d.recorder.ObserveAgent(task.Key, string(result.State), result.Evaluation.ScoreValue())
	logx.DebugState(ctx, "grading", task.Key, string(result.State))

	return result, err
}

func (d *Dispatcher) evaluate(task AgentTask, out llm.Outcome) ParsedEvaluation {
	text, err := parse.ExtractText(out.Response)
	if err != nil {
		d.logger.Error("Failed to read response for grading agent '%s': %v", task.Key, err)
		return degraded(errParseFailed)
	}

	if task.Format == FormatText {
		return ParsedEvaluation{Justification: text}
	}

	var ev ParsedEvaluation
	if err := parse.ParseStructured(text).Decode(&ev); err != nil {
		d.logger.Error("Failed to parse JSON for grading agent '%s': %v", task.Key, err)
		d.logger.Error("Raw response part: %q", llmerrors.SanitizePrompt(text, 400))
		return degraded(errParseFailed)
	}
	if ev.IsEmpty() {
		d.logger.Error("Grading agent '%s' returned JSON without any evaluation fields", task.Key)
		d.logger.Error("Raw response part: %q", llmerrors.SanitizePrompt(text, 400))
		return degraded(errParseFailed)
	}
	if ev.Error != "" {
		// the model reported its own failure
		ev.Score = intPtr(0)
	}
	return ev
}
