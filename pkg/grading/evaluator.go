package grading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"osce/pkg/logx"
)

// Placeholders substituted into every agent template.
const (
	PlaceholderTranscript            = "{{TRANSCRIPT}}"
	PlaceholderDiagnosis             = "{{DIAGNOSIS}}"
	PlaceholderDifferentialDiagnosis = "{{DIFFERENTIAL_DIAGNOSIS}}"
	PlaceholderTreatmentPlan         = "{{TREATMENT_PLAN}}"
)

// Phase is the orchestrator's progress through one evaluation.
type Phase string

const (
	PhasePreparing   Phase = "preparing"
	PhaseDispatching Phase = "dispatching"
	PhaseAggregating Phase = "aggregating"
	PhaseDone        Phase = "done"
)

// TemplateStore supplies agent prompt templates.
type TemplateStore interface {
	Get(name string) (string, error)
	Render(text string, vars map[string]string) string
}

// Agent pairs a result key with the template it renders.
type Agent struct {
	Key      string
	Template string
}

// DefaultAgents are the scoring agents, in display order.
//
//nolint:gochecknoglobals // read-only table
var DefaultAgents = []Agent{
	{Key: "history_of_present_illness", Template: "grading/1_history_of_present_illness"},
	{Key: "past_history", Template: "grading/2_past_history"},
	{Key: "empathy_and_communication", Template: "grading/3_empathy_and_communication"},
	{Key: "clinical_reasoning", Template: "grading/4_clinical_reasoning"},
}

// SummaryAgent runs after the scoring agents and supplies the report's feedback text.
//
//nolint:gochecknoglobals // read-only value
var SummaryAgent = Agent{Key: "overall_assessment", Template: "grading/5_overall_assessment"}

// Submission is what a student hands in for grading.
type Submission struct {
	Transcript            string `json:"transcript"`
	Diagnosis             string `json:"diagnosis"`
	DifferentialDiagnosis string `json:"differential_diagnosis"`
	TreatmentPlan         string `json:"treatment_plan"`
}

// Turn is one message of the interview.
type Turn struct {
	Role    string `json:"role"` // "user" is the doctor, anything else the patient
	Content string `json:"content"`
}

// FormatTranscript renders turns as "Doctor: ..." / "Patient: ..." lines.
func FormatTranscript(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		role := "Patient"
		if t.Role == "user" {
			role = "Doctor"
		}
		lines = append(lines, role+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// Evaluator grades submissions.
type Evaluator struct {
	templates  TemplateStore
	dispatcher *Dispatcher
	aggregator *Aggregator
	logger     *logx.Logger
	agents     []Agent
	summary    Agent
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithAgents replaces the scoring agents and the summary agent.
func WithAgents(agents []Agent, summary Agent) EvaluatorOption {
	return func(e *Evaluator) {
		e.agents = agents
		e.summary = summary
	}
}

// NewEvaluator wires an evaluator with the default agent set.
func NewEvaluator(templates TemplateStore, dispatcher *Dispatcher, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		templates:  templates,
		dispatcher: dispatcher,
		aggregator: NewAggregator(dispatcher),
		logger:     logx.NewLogger("evaluator"),
		agents:     DefaultAgents,
		summary:    SummaryAgent,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate renders every agent prompt, runs the scoring agents concurrently, then the
// summary agent, and returns the aggregate report. Individual agent failures are recorded
// in the report; template and configuration errors abort the evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, sub Submission) (AggregateReport, error) {
	start := time.Now()
	e.phase(PhasePreparing)

	vars := map[string]string{
		PlaceholderTranscript:            sub.Transcript,
		PlaceholderDiagnosis:             sub.Diagnosis,
		PlaceholderDifferentialDiagnosis: sub.DifferentialDiagnosis,
		PlaceholderTreatmentPlan:         sub.TreatmentPlan,
	}

	tasks := make([]AgentTask, 0, len(e.agents))
	for _, agent := range e.agents {
		if agent.Key == e.summary.Key {
			return AggregateReport{}, fmt.Errorf("agent %q is also the summary agent", agent.Key)
		}
		task, err := e.task(agent, vars)
		if err != nil {
			return AggregateReport{}, err
		}
		tasks = append(tasks, task)
	}
	summary, err := e.task(e.summary, vars)
	if err != nil {
		return AggregateReport{}, err
	}

	e.phase(PhaseDispatching)
	results, err := e.dispatcher.Run(ctx, tasks)
	if err != nil {
		return AggregateReport{}, logx.Wrap(err, "grading aborted")
	}

	e.phase(PhaseAggregating)
	report, err := e.aggregator.Aggregate(ctx, results, summary)
	if err != nil {
		return AggregateReport{}, logx.Wrap(err, "grading aborted")
	}

	e.phase(PhaseDone)
	e.logger.Info("graded %d agents in %s: overall score %d", len(tasks), time.Since(start).Round(time.Millisecond), report.OverallScore)
	return report, nil
}

func (e *Evaluator) task(agent Agent, vars map[string]string) (AgentTask, error) {
	text, err := e.templates.Get(agent.Template)
	if err != nil {
		return AgentTask{}, fmt.Errorf("load template for agent %s: %w", agent.Key, err)
	}
	return AgentTask{
		Key:    agent.Key,
		Prompt: e.templates.Render(text, vars),
		Format: FormatJSON,
	}, nil
}

func (e *Evaluator) phase(p Phase) {
	e.logger.Debug("evaluation phase: %s", p)
}
