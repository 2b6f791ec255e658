package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osce/pkg/grading"
	"osce/pkg/llm"
	"osce/pkg/llm/llmerrors"
	"osce/pkg/scheme"
	"osce/pkg/session"
)

type staticPatients []string

func (p staticPatients) AvailablePatients() []string { return p }

type fakeReplier struct {
	err     error
	reply   string
	history []grading.Turn
	calls   int
}

func (f *fakeReplier) Reply(_ context.Context, _ string, history []grading.Turn, _ string) (string, error) {
	f.calls++
	f.history = history
	return f.reply, f.err
}

type fakeGrader struct {
	err    error
	got    grading.Submission
	report grading.AggregateReport
}

func (f *fakeGrader) Evaluate(_ context.Context, sub grading.Submission) (grading.AggregateReport, error) {
	f.got = sub
	return f.report, f.err
}

type fakeDesigner struct {
	err    error
	result scheme.Scheme
}

func (f *fakeDesigner) Generate(context.Context, string) (scheme.Scheme, error) {
	return f.result, f.err
}

type fixture struct {
	store    *session.Store
	replier  *fakeReplier
	grader   *fakeGrader
	designer *fakeDesigner
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := session.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		replier:  &fakeReplier{reply: "我胸口很痛。"},
		grader:   &fakeGrader{},
		designer: &fakeDesigner{},
	}
	srv := NewServer(Deps{
		Sessions: store,
		Patients: staticPatients{"chest_pain", "fever_cough"},
		Replier:  f.replier,
		Grader:   f.grader,
		Designer: f.designer,
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("osce_up 1\n")) }),
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func postForm(target string, form url.Values, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func postJSON(target, body string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

// login creates a session through POST /entry and returns its cookie.
func (f *fixture) login(t *testing.T) *http.Cookie {
	t.Helper()
	w := f.do(t, postForm("/entry", url.Values{"username": {"alice"}, "patient_id": {"chest_pain"}}, nil))
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/chat", w.Header().Get("Location"))
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestUp(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/up", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEntryListsPatients(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/", "/entry"} {
		w := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `value="chest_pain"`)
		assert.Contains(t, w.Body.String(), `value="fever_cough"`)
	}
}

func TestCreateSessionRequiresFields(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, postForm("/entry", url.Values{"username": {"alice"}}, nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "/entry?alert="))
	assert.Empty(t, w.Result().Cookies())
}

func TestProtectedPagesRedirectWithoutSession(t *testing.T) {
	f := newFixture(t)
	unknown := &http.Cookie{Name: sessionCookie, Value: "does-not-exist"}

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/chat", nil),
		httptest.NewRequest(http.MethodGet, "/grading", nil),
		postJSON("/chat/generate_response", `{"message":"hi"}`, unknown),
		postJSON("/chat/send_message", `{"message":"hi"}`, nil),
		postForm("/chat/diagnose", url.Values{}, unknown),
	} {
		w := f.do(t, req)
		assert.Equal(t, http.StatusSeeOther, w.Code, req.URL.Path)
		assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "/entry"), req.URL.Path)
	}
}

func TestChatFlowStoresMessages(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)

	w := f.do(t, postJSON("/chat/generate_response", `{"message":"哪裡不舒服？"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "我胸口很痛。", body["patient_response"])
	assert.Empty(t, f.replier.history, "first turn has no history")

	w = f.do(t, postJSON("/chat/send_message", `{"message":"哪裡不舒服？","patient_response":"我胸口很痛。"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := f.store.Get(context.Background(), cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, []grading.Turn{
		{Role: "user", Content: "哪裡不舒服？"},
		{Role: "patient", Content: "我胸口很痛。"},
	}, sess.Messages)

	f.do(t, postJSON("/chat/generate_response", `{"message":"多久了？"}`, cookie))
	assert.Len(t, f.replier.history, 2, "later turns see the stored conversation")

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/chat", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.AddCookie(cookie)
	w = f.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "我胸口很痛。")
}

func TestSendMessageWithoutPatientResponse(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)

	w := f.do(t, postForm("/chat/send_message", url.Values{"message": {"你好"}}, cookie))
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := f.store.Get(context.Background(), cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, []grading.Turn{{Role: "user", Content: "你好"}}, sess.Messages)
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)

	for _, path := range []string{"/chat/generate_response", "/chat/send_message"} {
		w := f.do(t, postJSON(path, `{"message":"   "}`, cookie))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, path)
		assert.Equal(t, "Message cannot be empty", decode(t, w)["error"])
	}
	assert.Zero(t, f.replier.calls)
}

func TestGenerateResponseReportsUnavailable(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)
	f.replier.err = &llmerrors.Error{
		Type:       llmerrors.ErrorTypeServiceUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    llm.UnavailableMessage,
	}

	w := f.do(t, postJSON("/chat/generate_response", `{"message":"hi"}`, cookie))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, llm.UnavailableMessage, decode(t, w)["error"])
}

func TestGradingShowsNotSubmittedFields(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)
	f.do(t, postForm("/chat/send_message", url.Values{"message": {"你好"}, "patient_response": {"醫生好"}}, cookie))

	f.grader.report = grading.AggregateReport{
		PerAgent: map[string]grading.ParsedEvaluation{
			"past_history":               {Score: intPtr(40), Justification: "少問過敏史"},
			"history_of_present_illness": {Score: intPtr(80)},
			"overall_assessment": {
				Score:         intPtr(60),
				Justification: "整體尚可",
			},
		},
		SummaryKey:   "overall_assessment",
		OverallScore: 60,
	}

	w := f.do(t, postForm("/chat/diagnose", url.Values{"diagnosis": {"Acute MI"}}, cookie))
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/grading", w.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/grading", nil)
	req.AddCookie(cookie)
	w = f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "Acute MI", f.grader.got.Diagnosis)
	assert.Equal(t, NotSubmitted, f.grader.got.DifferentialDiagnosis)
	assert.Equal(t, NotSubmitted, f.grader.got.TreatmentPlan)
	assert.Equal(t, "Doctor: 你好\nPatient: 醫生好", f.grader.got.Transcript)

	page := w.Body.String()
	assert.Contains(t, page, NotSubmitted)
	assert.Contains(t, page, "整體尚可")
	assert.Contains(t, page, "少問過敏史")
	assert.Less(t, strings.Index(page, "現病史詢問"), strings.Index(page, "過去病史"), "agents render in default order")
}

func TestGradingError(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)
	f.grader.err = errors.New("grading aborted: GEMINI_API_KEY is not configured")

	req := httptest.NewRequest(http.MethodGet, "/grading", nil)
	req.AddCookie(cookie)
	w := f.do(t, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "GEMINI_API_KEY")
}

func TestBackToChat(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t)
	w := f.do(t, postForm("/grading/back_to_chat", url.Values{}, cookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/chat", w.Header().Get("Location"))
}

func TestSchemeEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, postJSON("/grading/scheme", `{}`, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	f.designer.result = scheme.Scheme{Buckets: []scheme.Bucket{{Category: scheme.CategoryDiagnosis}}}
	w = f.do(t, postJSON("/grading/scheme", `{"case_details":"55歲男性胸痛"}`, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	f.designer.result = scheme.Scheme{Error: scheme.ErrNoChecklist}
	w = f.do(t, postJSON("/grading/scheme", `{"case_details":"x"}`, nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, scheme.ErrNoChecklist, decode(t, w)["error"])

	f.designer.result = scheme.Scheme{Error: scheme.ErrStoreNotConfigured}
	f.designer.err = llmerrors.NewConfigurationError("GRADING_SCHEME_STORE_NAME")
	w = f.do(t, postJSON("/grading/scheme", `{"case_details":"x"}`, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogsAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/logs?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "osce_up")
}

func TestGradeBand(t *testing.T) {
	cases := map[int]string{100: BandExcellent, 80: BandExcellent, 79: BandGood, 60: BandGood, 59: BandFair, 40: BandFair, 39: BandPoor, 0: BandPoor}
	for score, want := range cases {
		assert.Equal(t, want, GradeBand(score), "score %d", score)
	}
}

func intPtr(v int) *int { return &v }
