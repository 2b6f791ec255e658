package webui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"osce/pkg/grading"
	"osce/pkg/llm/llmerrors"
	"osce/pkg/logx"
	"osce/pkg/patient"
	"osce/pkg/session"
)

// NotSubmitted replaces diagnosis fields the student never submitted.
const NotSubmitted = "未提交"

const (
	maxBodyBytes = 1 << 20
	maxLogLines  = 1000
)

func (s *Server) handleUp(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

type entryPage struct {
	Alert    string
	Patients []string
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "entry.html", entryPage{
		Alert:    r.URL.Query().Get("alert"),
		Patients: s.deps.Patients.AvailablePatients(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(params["username"])
	patientID := strings.TrimSpace(params["patient_id"])
	if username == "" || patientID == "" {
		redirectToEntry(w, r, "Please enter username and select a patient")
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), username, patientID)
	if err != nil {
		s.logger.Error("Failed to create session: %v", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	s.logger.Info("session %s started by %s with patient %s", sess.ID, username, patientID)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

type chatPage struct {
	Username  string
	PatientID string
	Messages  []grading.Turn
}

func (s *Server) handleChat(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	s.render(w, http.StatusOK, "chat.html", chatPage{
		Username:  sess.Username,
		PatientID: sess.PatientID,
		Messages:  sess.Messages,
	})
}

// handleGenerateResponse asks the patient for a reply without storing anything; the page
// stores the exchange through send_message once the reply is shown.
func (s *Server) handleGenerateResponse(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	params, err := requestParams(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	message := params["message"]
	if strings.TrimSpace(message) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "Message cannot be empty"})
		return
	}

	reply, err := s.deps.Replier.Reply(r.Context(), sess.PatientID, sess.Messages, message)
	if err != nil {
		s.logger.Warn("patient reply failed for session %s: %v", sess.ID, err)
		status := http.StatusUnprocessableEntity
		if llmerrors.Is(err, llmerrors.ErrorTypeConfiguration) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"error": patient.UserMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "patient_response": reply})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	params, err := requestParams(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	message := params["message"]
	if strings.TrimSpace(message) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "Message cannot be empty"})
		return
	}

	turns := []grading.Turn{{Role: "user", Content: message}}
	if reply := params["patient_response"]; strings.TrimSpace(reply) != "" {
		turns = append(turns, grading.Turn{Role: "patient", Content: reply})
	}
	if err := s.deps.Sessions.AppendMessages(r.Context(), sess.ID, turns...); err != nil {
		s.logger.Error("Failed to store messages for session %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to store message"})
		return
	}
	logx.Debug(r.Context(), "webui", "session %s now has %d messages", sess.ID, len(sess.Messages)+len(turns))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	params, err := requestParams(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d := session.Diagnosis{
		Diagnosis:             optional(params, "diagnosis"),
		DifferentialDiagnosis: optional(params, "differential_diagnosis"),
		TreatmentPlan:         optional(params, "treatment_plan"),
	}
	if err := s.deps.Sessions.SetDiagnosis(r.Context(), sess.ID, d); err != nil {
		s.logger.Error("Failed to store diagnosis for session %s: %v", sess.ID, err)
		http.Error(w, "Failed to store diagnosis", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/grading", http.StatusSeeOther)
}

type gradingRow struct {
	Key        string
	Label      string
	State      grading.AgentState
	Evaluation grading.ParsedEvaluation
}

type gradingPage struct {
	Username              string
	PatientID             string
	Diagnosis             string
	DifferentialDiagnosis string
	TreatmentPlan         string
	Error                 string
	Messages              []grading.Turn
	Rows                  []gradingRow
	Summary               grading.ParsedEvaluation
	OverallScore          int
}

func (s *Server) handleGrading(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	page := gradingPage{
		Username:              sess.Username,
		PatientID:             sess.PatientID,
		Messages:              sess.Messages,
		Diagnosis:             orNotSubmitted(sess.Diagnosis.Diagnosis),
		DifferentialDiagnosis: orNotSubmitted(sess.Diagnosis.DifferentialDiagnosis),
		TreatmentPlan:         orNotSubmitted(sess.Diagnosis.TreatmentPlan),
	}

	report, err := s.deps.Grader.Evaluate(r.Context(), grading.Submission{
		Transcript:            grading.FormatTranscript(sess.Messages),
		Diagnosis:             page.Diagnosis,
		DifferentialDiagnosis: page.DifferentialDiagnosis,
		TreatmentPlan:         page.TreatmentPlan,
	})
	if err != nil {
		s.logger.Error("Grading failed for session %s: %v", sess.ID, err)
		page.Error = err.Error()
		s.render(w, http.StatusServiceUnavailable, "grading.html", page)
		return
	}

	page.Rows = reportRows(report)
	page.Summary = report.Summary()
	page.OverallScore = report.OverallScore
	s.render(w, http.StatusOK, "grading.html", page)
}

func (s *Server) handleBackToChat(w http.ResponseWriter, r *http.Request, _ *session.Session) {
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

// handleScheme implements POST /grading/scheme: generate a checklist for case_details.
func (s *Server) handleScheme(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	details := strings.TrimSpace(params["case_details"])
	if details == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "case_details cannot be empty"})
		return
	}

	result, err := s.deps.Designer.Generate(r.Context(), details)
	switch {
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, result)
	case result.Error != "":
		writeJSON(w, http.StatusBadGateway, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// handleLogs implements GET /api/logs?domain=&since=RFC3339.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	logs := logx.RecentEntries(query.Get("domain"), since)
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	writeJSON(w, http.StatusOK, logs)
}

// reportRows orders the report as the default agents, then any other keys by name, with
// the summary agent left out.
func reportRows(report grading.AggregateReport) []gradingRow {
	order := make([]string, 0, len(report.PerAgent))
	known := map[string]bool{report.SummaryKey: true}
	for _, a := range grading.DefaultAgents {
		if _, ok := report.PerAgent[a.Key]; ok {
			order = append(order, a.Key)
			known[a.Key] = true
		}
	}
	var extra []string
	for key := range report.PerAgent {
		if !known[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	rows := make([]gradingRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, gradingRow{
			Key:        key,
			Label:      AgentLabel(key),
			State:      report.States[key],
			Evaluation: report.PerAgent[key],
		})
	}
	return rows
}

// requestParams flattens a JSON object, multipart form or url-encoded form body.
func requestParams(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	params := map[string]string{}
	switch mediaType {
	case "application/json":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, v := range body {
			switch val := v.(type) {
			case nil:
			case string:
				params[k] = val
			default:
				params[k] = fmt.Sprint(val)
			}
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		collect(params, r.PostForm)
	default:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		collect(params, r.PostForm)
	}
	return params, nil
}

func collect(dst map[string]string, form url.Values) {
	for k, vs := range form {
		if len(vs) > 0 {
			dst[k] = vs[0]
		}
	}
}

// optional returns nil when key was not sent at all.
func optional(params map[string]string, key string) *string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	return &v
}

func orNotSubmitted(v *string) string {
	if v == nil {
		return NotSubmitted
	}
	return *v
}

func redirectToEntry(w http.ResponseWriter, r *http.Request, alert string) {
	http.Redirect(w, r, "/entry?alert="+url.QueryEscape(alert), http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
