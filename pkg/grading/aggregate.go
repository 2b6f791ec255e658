package grading

import (
	"context"
	"math"

	"osce/pkg/logx"
)

// Mean is the rounded mean of the numeric scores of non-degraded results. Rounding is
// half away from zero; no valid scores gives 0.
func Mean(results map[string]AgentResult) int {
	sum, n := 0, 0
	for _, r := range results {
		if !r.Evaluation.HasScore() {
			continue
		}
		sum += *r.Evaluation.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}

// Aggregator runs the summary agent and builds the report.
type Aggregator struct {
	dispatcher *Dispatcher
	logger     *logx.Logger
}

// NewAggregator creates an aggregator that runs summary tasks through dispatcher.
func NewAggregator(dispatcher *Dispatcher) *Aggregator {
	return &Aggregator{dispatcher: dispatcher, logger: logx.NewLogger("aggregator")}
}

// Aggregate computes the mean of results, then runs summary. The summary's own score is
// replaced by the mean and missing text fields get placeholders. The summary key must not
// be one of the scoring keys.
func (a *Aggregator) Aggregate(ctx context.Context, results map[string]AgentResult, summary AgentTask) (AggregateReport, error) {
	overall := Mean(results)

	report := AggregateReport{
		PerAgent:     make(map[string]ParsedEvaluation, len(results)+1),
		States:       make(map[string]AgentState, len(results)+1),
		SummaryKey:   summary.Key,
		OverallScore: overall,
	}
	for key, r := range results {
		report.PerAgent[key] = r.Evaluation
		report.States[key] = r.State
	}

	result, err := a.dispatcher.RunTask(ctx, summary)
	if err != nil {
		return report, err
	}
	if result.State == StateDegraded {
		a.logger.Warn("summary agent '%s' degraded: %s", summary.Key, result.Evaluation.Error)
	}

	text := result.Evaluation
	report.PerAgent[summary.Key] = ParsedEvaluation{
		Score:                 intPtr(overall),
		Justification:         orDefault(text.Justification, MissingJustification),
		PositiveFeedback:      orDefault(text.PositiveFeedback, MissingPositive),
		ImprovementSuggestion: orDefault(text.ImprovementSuggestion, MissingImprovement),
	}
	report.States[summary.Key] = result.State

	return report, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
