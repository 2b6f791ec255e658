// Package logx provides component-scoped logging with env-controlled debug domains
// and an in-memory buffer of recent entries for the web UI.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
	out       io.Writer // nil writes to the process-wide output
}

// LogEntry is one buffered log line as exposed by the web UI.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// Buffer keeps the most recent log entries.
type Buffer struct {
	entries []LogEntry
	mu      sync.RWMutex
	maxSize int
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil enables every domain
}

type componentKey struct{}

//nolint:gochecknoglobals // process-wide logging state
var (
	debug   debugSettings
	debugMu sync.RWMutex

	output   io.Writer = os.Stderr
	outputMu sync.RWMutex
	writeMu  sync.Mutex

	buffer = NewBuffer(1000)
)

func init() { //nolint:gochecknoinits // env-driven debug configuration
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG=1|true and DEBUG_DOMAINS=grading,llm,...
func initDebugFromEnv() {
	enabled := false
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		enabled = true
	}
	var domains []string
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		domains = strings.Split(v, ",")
	}
	SetDebug(enabled, domains...)
}

// SetDebug enables or disables debug logging. With no domains every domain is enabled.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	debug.enabled = enabled
	debug.domains = nil
	if len(domains) > 0 {
		debug.domains = make(map[string]bool, len(domains))
		for _, d := range domains {
			debug.domains[strings.TrimSpace(d)] = true
		}
	}
}

// SetOutput redirects log lines. Nil restores stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// IsDebugEnabledForDomain reports whether debug lines for domain are emitted.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debug.enabled {
		return false
	}
	if debug.domains == nil {
		return true
	}
	return debug.domains[domain]
}

// NewBuffer creates a ring of at most maxSize entries.
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{maxSize: maxSize}
}

// Add appends an entry, evicting the oldest beyond the size limit.
func (b *Buffer) Add(entry *LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Entries returns a copy of the buffered entries, filtered by domain and time when set.
func (b *Buffer) Entries(domain string, since time.Time) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// RecentEntries returns entries from the process-wide buffer.
func RecentEntries(domain string, since time.Time) []LogEntry {
	return buffer.Entries(domain, since)
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the component name this logger writes under.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger sharing the same sink under a different name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, out: l.out}
}

func (l *Logger) write(level Level, domain, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
	if domain != "" {
		line = fmt.Sprintf("[%s] [%s] %s: [%s] %s", timestamp, l.component, level, domain, message)
	}
	out := l.out
	if out == nil {
		out = currentOutput()
	}
	writeMu.Lock()
	fmt.Fprintln(out, line)
	writeMu.Unlock()

	buffer.Add(&LogEntry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	debugMu.RLock()
	enabled := debug.enabled
	debugMu.RUnlock()
	if !enabled {
		return
	}
	l.write(LevelDebug, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.write(LevelInfo, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.write(LevelWarn, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, "", fmt.Sprintf(format, args...))
}

// ContextWithComponent tags ctx so that Debug lines carry the caller's component.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Debug logs a domain-filtered debug line.
//
//	DEBUG=1                          # every domain
//	DEBUG=1 DEBUG_DOMAINS=grading    # only grading
//	DEBUG=1 DEBUG_DOMAINS=llm,scheme # several
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(componentKey{}).(string); ok {
			component = c
		}
	}
	NewLogger(component).write(LevelDebug, domain, fmt.Sprintf(format, args...))
}

// DebugState logs a state transition for domain.
func DebugState(ctx context.Context, domain, subject, state string) {
	Debug(ctx, domain, "State %s: %s", subject, state)
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error:
//
//	return logx.Errorf("open store: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns fmt.Errorf("%s: %w", msg, err). Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
