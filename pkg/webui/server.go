// Package webui serves the interview, diagnosis and grading pages.
package webui

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"osce/pkg/grading"
	"osce/pkg/logx"
	"osce/pkg/scheme"
	"osce/pkg/session"
)

//go:embed web/templates/*.html
var templateFS embed.FS

//go:embed web/static
var staticFS embed.FS

const sessionCookie = "osce_session"

// SessionStore persists interview sessions.
type SessionStore interface {
	Create(ctx context.Context, username, patientID string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	AppendMessages(ctx context.Context, id string, turns ...grading.Turn) error
	SetDiagnosis(ctx context.Context, id string, d session.Diagnosis) error
}

// PatientDirectory lists the selectable patients.
type PatientDirectory interface {
	AvailablePatients() []string
}

// Replier produces the patient's reply to a doctor message.
type Replier interface {
	Reply(ctx context.Context, patientID string, history []grading.Turn, message string) (string, error)
}

// Grader grades a submission.
type Grader interface {
	Evaluate(ctx context.Context, sub grading.Submission) (grading.AggregateReport, error)
}

// SchemeDesigner generates grading checklists for a case.
type SchemeDesigner interface {
	Generate(ctx context.Context, caseDetails string) (scheme.Scheme, error)
}

// Deps are the services behind the pages. Metrics may be nil.
type Deps struct {
	Sessions SessionStore
	Patients PatientDirectory
	Replier  Replier
	Grader   Grader
	Designer SchemeDesigner
	Metrics  http.Handler
}

// Server is the web UI HTTP server.
type Server struct {
	deps      Deps
	logger    *logx.Logger
	templates *template.Template
}

// NewServer creates a server. Templates are embedded, so parsing only fails on a broken build.
func NewServer(deps Deps) *Server {
	templates, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "web/templates/*.html")
	if err != nil {
		panic(fmt.Sprintf("Failed to parse embedded templates: %v", err))
	}
	return &Server{
		deps:      deps,
		logger:    logx.NewLogger("webui"),
		templates: templates,
	}
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /up", s.handleUp)
	mux.HandleFunc("GET /{$}", s.handleEntry)
	mux.HandleFunc("GET /entry", s.handleEntry)
	mux.HandleFunc("POST /entry", s.handleCreateSession)

	mux.HandleFunc("GET /chat", s.requireSession(s.handleChat))
	mux.HandleFunc("POST /chat/generate_response", s.requireSession(s.handleGenerateResponse))
	mux.HandleFunc("POST /chat/send_message", s.requireSession(s.handleSendMessage))
	mux.HandleFunc("POST /chat/diagnose", s.requireSession(s.handleDiagnose))
	mux.HandleFunc("GET /grading", s.requireSession(s.handleGrading))
	mux.HandleFunc("POST /grading/back_to_chat", s.requireSession(s.handleBackToChat))
	mux.HandleFunc("POST /grading/scheme", s.handleScheme)

	mux.HandleFunc("GET /api/logs", s.handleLogs)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	staticSubFS, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		panic(fmt.Sprintf("Failed to access embedded static files: %v", err))
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSubFS))))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web UI server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web UI server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down web UI server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// requireSession loads the session named by the cookie, redirecting to /entry without one.
func (s *Server) requireSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil || cookie.Value == "" {
			redirectToEntry(w, r, "Please start a new session")
			return
		}
		sess, err := s.deps.Sessions.Get(r.Context(), cookie.Value)
		if errors.Is(err, session.ErrNotFound) {
			redirectToEntry(w, r, "Please start a new session")
			return
		}
		if err != nil {
			s.logger.Error("Failed to load session: %v", err)
			http.Error(w, "Failed to load session", http.StatusInternalServerError)
			return
		}
		next(w, r, sess)
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render %s: %v", name, err)
	}
}
