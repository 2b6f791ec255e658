package grading

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"osce/pkg/llm"
	"osce/pkg/llm/llmerrors"
	"osce/pkg/metrics"
)

// mapTemplates is an in-memory TemplateStore.
type mapTemplates map[string]string

func (m mapTemplates) Get(name string) (string, error) {
	text, ok := m[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	return text, nil
}

func (m mapTemplates) Render(text string, vars map[string]string) string {
	for k, v := range vars {
		text = strings.ReplaceAll(text, k, v)
	}
	return text
}

func defaultTemplates() mapTemplates {
	m := mapTemplates{}
	for _, a := range append(append([]Agent{}, DefaultAgents...), SummaryAgent) {
		m[a.Template] = "AGENT:" + a.Key + "\nTranscript:\n{{TRANSCRIPT}}\nDx: {{DIAGNOSIS}}\nDDx: {{DIFFERENTIAL_DIAGNOSIS}}\nPlan: {{TREATMENT_PLAN}}"
	}
	return m
}

// agentOf extracts the agent key from a prompt rendered from defaultTemplates.
func agentOf(prompt string) string {
	first, _, _ := strings.Cut(prompt, "\n")
	return strings.TrimPrefix(first, "AGENT:")
}

// funcInvoker answers each request with fn.
type funcInvoker struct {
	fn    func(prompt string) (llm.Outcome, error)
	mu    sync.Mutex
	reqs  []llm.Request
	count atomic.Int32
}

func (f *funcInvoker) Invoke(_ context.Context, req llm.Request, _ llm.Mode) (llm.Outcome, error) {
	f.count.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(req.Prompt)
}

func success(text string) llm.Outcome {
	return llm.Outcome{
		Status:   llm.StatusSuccess,
		Attempts: 1,
		Response: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}}},
	}
}

func result(key string, ev ParsedEvaluation) AgentResult {
	state := StateSucceeded
	if ev.Error != "" {
		state = StateDegraded
	}
	return AgentResult{Key: key, Evaluation: ev, State: state}
}

func TestMean(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]AgentResult
		want    int
	}{
		{
			name: "error agent excluded",
			results: map[string]AgentResult{
				"a": result("a", ParsedEvaluation{Score: intPtr(80)}),
				"b": result("b", ParsedEvaluation{Score: intPtr(60)}),
				"c": result("c", ParsedEvaluation{Score: intPtr(40)}),
				"d": result("d", degraded("API request failed with status 503.")),
			},
			want: 60,
		},
		{
			name: "half rounds away from zero",
			results: map[string]AgentResult{
				"a": result("a", ParsedEvaluation{Score: intPtr(70)}),
				"b": result("b", ParsedEvaluation{Score: intPtr(71)}),
			},
			want: 71,
		},
		{
			name: "missing score excluded",
			results: map[string]AgentResult{
				"a": result("a", ParsedEvaluation{Score: intPtr(90)}),
				"b": result("b", ParsedEvaluation{Justification: "no score given"}),
			},
			want: 90,
		},
		{
			name: "no valid scores",
			results: map[string]AgentResult{
				"a": result("a", degraded("Failed to parse evaluation response.")),
			},
			want: 0,
		},
		{name: "empty", results: map[string]AgentResult{}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mean(tt.results))
		})
	}
}

func TestAggregateOverridesSummaryScore(t *testing.T) {
	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) {
		return success(`{"score": 95, "justification": "Solid history taking.", "positive_feedback": "Good rapport."}`), nil
	}}
	agg := NewAggregator(NewDispatcher(inv, nil))

	results := map[string]AgentResult{
		"a": result("a", ParsedEvaluation{Score: intPtr(80)}),
		"b": result("b", ParsedEvaluation{Score: intPtr(60)}),
		"c": result("c", ParsedEvaluation{Score: intPtr(40)}),
		"d": result("d", degraded("Failed to parse evaluation response.")),
	}
	report, err := agg.Aggregate(context.Background(), results, AgentTask{Key: "overall_assessment", Prompt: "summarise"})
	require.NoError(t, err)

	assert.Equal(t, 60, report.OverallScore)
	summary := report.Summary()
	require.NotNil(t, summary.Score)
	assert.Equal(t, 60, *summary.Score)
	assert.Equal(t, "Solid history taking.", summary.Justification)
	assert.Equal(t, "Good rapport.", summary.PositiveFeedback)
	assert.Equal(t, MissingImprovement, summary.ImprovementSuggestion)
	assert.Len(t, report.PerAgent, 5)
	assert.Equal(t, StateDegraded, report.States["d"])
}

func TestAggregateSummaryFailureUsesPlaceholders(t *testing.T) {
	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) {
		return llm.Outcome{
			Status:   llm.StatusServerError,
			Attempts: 4,
			Err:      llmerrors.NewServiceUnavailableError(llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, 503, "x"), 4),
		}, nil
	}}
	agg := NewAggregator(NewDispatcher(inv, nil))

	report, err := agg.Aggregate(context.Background(), map[string]AgentResult{}, AgentTask{Key: "overall_assessment"})
	require.NoError(t, err)

	summary := report.Summary()
	assert.Equal(t, 0, report.OverallScore)
	assert.Equal(t, 0, summary.ScoreValue())
	assert.Equal(t, MissingJustification, summary.Justification)
	assert.Equal(t, MissingPositive, summary.PositiveFeedback)
	assert.Equal(t, MissingImprovement, summary.ImprovementSuggestion)
	assert.Empty(t, summary.Error)
	assert.Equal(t, StateDegraded, report.States["overall_assessment"])
}

func TestEvaluateScenario(t *testing.T) {
	scores := map[string]int{
		"history_of_present_illness": 70,
		"past_history":               80,
		"empathy_and_communication":  90,
		"clinical_reasoning":         60,
	}
	inv := &funcInvoker{fn: func(prompt string) (llm.Outcome, error) {
		key := agentOf(prompt)
		if key == SummaryAgent.Key {
			return success("```json\n{\"score\": 12, \"justification\": \"Reasonable interview.\", " +
				"\"positive_feedback\": \"Clear questions.\", \"improvement_suggestion\": \"Ask about allergies.\"}\n```"), nil
		}
		return success(fmt.Sprintf(`{"score": %d, "justification": "ok"}`, scores[key])), nil
	}}
	ev := NewEvaluator(defaultTemplates(), NewDispatcher(inv, nil))

	transcript := FormatTranscript([]Turn{
		{Role: "user", Content: "What brings you in today?"},
		{Role: "model", Content: "I've had a cough and fever for three days."},
		{Role: "user", Content: "Any chest pain?"},
		{Role: "model", Content: "Only when I breathe deeply."},
	})
	report, err := ev.Evaluate(context.Background(), Submission{
		Transcript:            transcript,
		Diagnosis:             "Pneumonia",
		DifferentialDiagnosis: "Bronchitis",
		TreatmentPlan:         "Amoxicillin",
	})
	require.NoError(t, err)

	assert.Equal(t, 75, report.OverallScore)
	assert.Len(t, report.PerAgent, 5)
	for key, want := range scores {
		assert.Equal(t, want, report.PerAgent[key].ScoreValue(), key)
	}
	summary := report.Summary()
	assert.Equal(t, 75, summary.ScoreValue())
	assert.Equal(t, "Ask about allergies.", summary.ImprovementSuggestion)

	require.Len(t, inv.reqs, 5)
	for _, req := range inv.reqs {
		assert.Contains(t, req.Prompt, "Doctor: Any chest pain?")
		assert.Contains(t, req.Prompt, "Patient: Only when I breathe deeply.")
		assert.Contains(t, req.Prompt, "Dx: Pneumonia")
		assert.Contains(t, req.Prompt, "DDx: Bronchitis")
		assert.Contains(t, req.Prompt, "Plan: Amoxicillin")
		require.NotNil(t, req.Generation)
		assert.Equal(t, llm.MIMETypeJSON, req.Generation.ResponseMIMEType)
	}
	// summary runs last
	assert.Equal(t, SummaryAgent.Key, agentOf(inv.reqs[4].Prompt))
}

func TestEvaluateReportsEveryAgentWhenSomeFail(t *testing.T) {
	inv := &funcInvoker{fn: func(prompt string) (llm.Outcome, error) {
		switch agentOf(prompt) {
		case "past_history":
			return success("I am unable to grade this."), nil
		case "clinical_reasoning":
			return llm.Outcome{
				Status:   llm.StatusClientError,
				Attempts: 1,
				Err:      llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeClient, http.StatusBadRequest, "bad request"),
			}, nil
		default:
			return success(`{"score": 50}`), nil
		}
	}}
	ev := NewEvaluator(defaultTemplates(), NewDispatcher(inv, nil))

	report, err := ev.Evaluate(context.Background(), Submission{Transcript: "Doctor: hi"})
	require.NoError(t, err)

	assert.Len(t, report.PerAgent, len(DefaultAgents)+1)
	assert.Equal(t, "Failed to parse evaluation response.", report.PerAgent["past_history"].Error)
	assert.Equal(t, "API request failed with status 400.", report.PerAgent["clinical_reasoning"].Error)
	for _, key := range []string{"past_history", "clinical_reasoning"} {
		require.NotNil(t, report.PerAgent[key].Score)
		assert.Equal(t, 0, *report.PerAgent[key].Score)
		assert.Equal(t, StateDegraded, report.States[key])
	}
	assert.Equal(t, 50, report.OverallScore)
}

// routedEndpoint fails every request for one agent with 503 and answers the rest.
type routedEndpoint struct {
	failing string
	calls   sync.Map // agent key -> *atomic.Int32
}

func (r *routedEndpoint) GenerateContent(_ context.Context, _ string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	key := agentOf(contents[0].Parts[0].Text)
	counter, _ := r.calls.LoadOrStore(key, &atomic.Int32{})
	counter.(*atomic.Int32).Add(1)

	if key == r.failing {
		return nil, genai.APIError{Code: http.StatusServiceUnavailable, Message: "overloaded"}
	}
	return success(`{"score": 80, "justification": "fine"}`).Response, nil
}

func (r *routedEndpoint) callsFor(key string) int {
	v, ok := r.calls.Load(key)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func TestEvaluateWithPersistent503(t *testing.T) {
	ep := &routedEndpoint{failing: "empathy_and_communication"}
	policy := llm.NewPolicy(llm.DefaultRetryConfig)
	client := llm.NewClient(ep, "gemini-test", policy,
		llm.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	recorder := metrics.NewPrometheusRecorder("osce_grading_test")
	ev := NewEvaluator(defaultTemplates(), NewDispatcher(client, recorder))

	report, err := ev.Evaluate(context.Background(), Submission{Transcript: "Doctor: hi\nPatient: hello"})
	require.NoError(t, err)

	failed := report.PerAgent["empathy_and_communication"]
	assert.Equal(t, "API request failed with status 503.", failed.Error)
	assert.Equal(t, 0, failed.ScoreValue())
	assert.Equal(t, 4, ep.callsFor("empathy_and_communication"))

	for _, key := range []string{"history_of_present_illness", "past_history", "clinical_reasoning"} {
		assert.Equal(t, 80, report.PerAgent[key].ScoreValue(), key)
		assert.Empty(t, report.PerAgent[key].Error, key)
		assert.Equal(t, 1, ep.callsFor(key), key)
	}
	assert.Equal(t, 80, report.OverallScore)
}

func TestEvaluateAbortsOnConfigurationError(t *testing.T) {
	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) {
		return llm.Outcome{Status: llm.StatusClientError, Attempts: 1}, llmerrors.NewConfigurationError("GEMINI_API_KEY")
	}}
	ev := NewEvaluator(defaultTemplates(), NewDispatcher(inv, nil))

	_, err := ev.Evaluate(context.Background(), Submission{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeConfiguration))
	// the summary agent never runs
	assert.Equal(t, int32(len(DefaultAgents)), inv.count.Load())
}

func TestEvaluateMissingTemplate(t *testing.T) {
	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) { return success(`{"score": 1}`), nil }}
	templates := defaultTemplates()
	delete(templates, "grading/2_past_history")

	_, err := NewEvaluator(templates, NewDispatcher(inv, nil)).Evaluate(context.Background(), Submission{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "past_history")
	assert.Zero(t, inv.count.Load())
}

func TestDispatcherRunsTasksConcurrently(t *testing.T) {
	const n = 4
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) {
		arrived.Done()
		select {
		case <-release:
			return success(`{"score": 10}`), nil
		case <-time.After(5 * time.Second):
			return llm.Outcome{}, fmt.Errorf("tasks did not run concurrently")
		}
	}}

	tasks := make([]AgentTask, n)
	for i := range tasks {
		tasks[i] = AgentTask{Key: fmt.Sprintf("agent_%d", i), Prompt: "p"}
	}
	results, err := NewDispatcher(inv, nil).Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, n)
	for _, r := range results {
		assert.Equal(t, StateSucceeded, r.State)
		assert.Equal(t, 10, r.Evaluation.ScoreValue())
	}
}

func TestDispatcherRejectsDuplicateKeys(t *testing.T) {
	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) { return success(`{}`), nil }}
	_, err := NewDispatcher(inv, nil).Run(context.Background(), []AgentTask{{Key: "a"}, {Key: "a"}})
	require.Error(t, err)
	assert.Zero(t, inv.count.Load())
}

func TestDispatcherTextFormat(t *testing.T) {
	inv := &funcInvoker{fn: func(string) (llm.Outcome, error) { return success("Free-form feedback."), nil }}
	r, err := NewDispatcher(inv, nil).RunTask(context.Background(), AgentTask{Key: "notes", Prompt: "p", Format: FormatText})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, r.State)
	assert.Equal(t, "Free-form feedback.", r.Evaluation.Justification)
	assert.Nil(t, inv.reqs[0].Generation)
}

func TestParsedEvaluationScoreDecoding(t *testing.T) {
	inv := &funcInvoker{fn: func(prompt string) (llm.Outcome, error) { return success(prompt), nil }}
	d := NewDispatcher(inv, nil)

	tests := []struct {
		text string
		want *int
	}{
		{`{"score": 72.5, "justification": "j"}`, intPtr(73)},
		{`{"score": 140, "justification": "j"}`, intPtr(100)},
		{`{"score": -5, "justification": "j"}`, intPtr(0)},
		{`{"score": "85", "justification": "j"}`, nil},
		{`{"score": null, "justification": "j"}`, nil},
		{`{"score": "high", "justification": "j"}`, nil},
		{`{"error": "transcript too short", "score": 30}`, intPtr(0)},
	}
	for _, tt := range tests {
		r, err := d.RunTask(context.Background(), AgentTask{Key: "k", Prompt: tt.text})
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.Evaluation.Score, tt.text)
	}
}

func TestDispatcherKeepsScoreWhenTextFieldsAreNotStrings(t *testing.T) {
	inv := &funcInvoker{fn: func(prompt string) (llm.Outcome, error) { return success(prompt), nil }}
	d := NewDispatcher(inv, nil)

	tests := []struct {
		text          string
		justification string
	}{
		{`{"score": 85, "justification": ["asked onset", "asked duration"]}`, "asked onset\nasked duration"},
		{`{"score": 85, "justification": {"onset": true}}`, `{"onset":true}`},
		{`{"score": 85, "justification": 3, "positive_feedback": null}`, "3"},
	}
	for _, tt := range tests {
		r, err := d.RunTask(context.Background(), AgentTask{Key: "k", Prompt: tt.text})
		require.NoError(t, err)
		assert.Equal(t, StateSucceeded, r.State, tt.text)
		assert.Empty(t, r.Evaluation.Error, tt.text)
		assert.Equal(t, intPtr(85), r.Evaluation.Score, tt.text)
		assert.Equal(t, tt.justification, r.Evaluation.Justification, tt.text)
	}
}

func TestDispatcherDegradesProseWithStrayBrace(t *testing.T) {
	inv := &funcInvoker{fn: func(prompt string) (llm.Outcome, error) { return success(prompt), nil }}
	d := NewDispatcher(inv, nil)

	for _, text := range []string{
		"I cannot evaluate this transcript {because it is incomplete",
		"Sorry, here is { my thoughts",
		`{"unrelated": "field"}`,
		`{}`,
	} {
		r, err := d.RunTask(context.Background(), AgentTask{Key: "k", Prompt: text})
		require.NoError(t, err)
		assert.Equal(t, StateDegraded, r.State, text)
		assert.Equal(t, errParseFailed, r.Evaluation.Error, text)
		assert.Equal(t, intPtr(0), r.Evaluation.Score, text)
		assert.False(t, r.Evaluation.HasScore(), text)
	}
}

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]Turn{
		{Role: "user", Content: "Hello"},
		{Role: "model", Content: "Hi doctor"},
	})
	assert.Equal(t, "Doctor: Hello\nPatient: Hi doctor", got)
	assert.Empty(t, FormatTranscript(nil))
}
