package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"osce/pkg/config"
	"osce/pkg/grading"
	"osce/pkg/llm"
	"osce/pkg/logx"
	"osce/pkg/metrics"
	"osce/pkg/patient"
	"osce/pkg/scheme"
	"osce/pkg/session"
	"osce/pkg/templates"
	"osce/pkg/webui"
)

const purgeInterval = time.Hour

// services holds everything built from the configuration.
type services struct {
	config    *config.Config
	templates *templates.Store
	evaluator *grading.Evaluator
	responder *patient.Responder
	designer  *scheme.Designer
	metrics   http.Handler
}

// buildServices loads configuration and credentials and wires the grading stack.
// Credentials are resolved per call, so a missing key surfaces on first use.
func buildServices(configPath string) (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials(cfg.SecretsFile, os.Getenv(config.EnvSecretsPass))
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	store, err := templates.NewStore(cfg.PromptsDir)
	if err != nil {
		return nil, err
	}

	var (
		recorder metrics.Recorder = metrics.Nop()
		handler  http.Handler
	)
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusRecorder(cfg.Metrics.Namespace)
		recorder = prom
		handler = prom.Handler()
	}

	endpoint := llm.NewGeminiEndpoint(llm.GeminiConfig{
		Key:        creds.GeminiKey(),
		BaseURL:    cfg.Gemini.BaseURL,
		APIVersion: cfg.Gemini.APIVersion,
		Timeout:    cfg.Gemini.Timeout,
	})
	policy := cfg.Policy()
	chat := llm.NewClient(endpoint, cfg.Model, policy, llm.WithRecorder(recorder))
	schemeClient := llm.NewClient(endpoint, cfg.SchemeModel, policy, llm.WithRecorder(recorder))

	logx.NewLogger("osce").Info("🚀 model %s, scheme model %s, %d retries", cfg.Model, cfg.SchemeModel, policy.Config().MaxRetries)

	return &services{
		config:    cfg,
		templates: store,
		evaluator: grading.NewEvaluator(store, grading.NewDispatcher(chat, recorder)),
		responder: patient.NewResponder(chat, store),
		designer:  scheme.NewDesigner(schemeClient, cfg.SchemeStore),
		metrics:   handler,
	}, nil
}

func runServe(ctx context.Context, configPath string) error {
	svc, err := buildServices(configPath)
	if err != nil {
		return err
	}

	sessions, err := session.Open(svc.config.Server.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = sessions.Close() }()

	if ttl := svc.config.Server.SessionTTL; ttl > 0 {
		go purgeSessions(ctx, sessions, ttl)
	}

	server := webui.NewServer(webui.Deps{
		Sessions: sessions,
		Patients: svc.templates,
		Replier:  svc.responder,
		Grader:   svc.evaluator,
		Designer: svc.designer,
		Metrics:  svc.metrics,
	})
	return server.Run(ctx, svc.config.Server.Addr) //nolint:wrapcheck
}

func purgeSessions(ctx context.Context, sessions *session.Store, ttl time.Duration) {
	logger := logx.NewLogger("session")
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sessions.PurgeIdle(ctx, ttl); err != nil {
				logger.Warn("session purge failed: %v", err)
			}
		}
	}
}
