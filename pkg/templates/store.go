// Package templates loads prompt text by name and fills in literal placeholders.
//
// Prompts are plain .txt files. The defaults are embedded in the binary; a directory
// configured with OSCE_PROMPTS_DIR takes precedence file by file.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"osce/pkg/logx"
)

//go:embed prompts/*.txt prompts/grading/*.txt
var promptFS embed.FS

const (
	systemPromptName = "system"
	promptExt        = ".txt"

	// DefaultPatientPrompt is used when a patient or system prompt is missing.
	DefaultPatientPrompt = "You are a virtual patient in a medical interview. Respond realistically to the doctor's questions."

	backgroundSeparator = "\n\nPatient Background:\n"
)

// ErrNotFound is returned by Get for an unknown template name.
var ErrNotFound = errors.New("template not found")

// Store resolves prompt templates from an optional override directory, then the
// embedded defaults.
type Store struct {
	layers []fs.FS
	logger *logx.Logger
}

// NewStore creates a store. An empty dir uses only the embedded prompts.
func NewStore(dir string) (*Store, error) {
	embedded, err := fs.Sub(promptFS, "prompts")
	if err != nil {
		return nil, fmt.Errorf("open embedded prompts: %w", err)
	}

	s := &Store{logger: logx.NewLogger("templates")}
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("prompts directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("prompts directory %s is not a directory", dir)
		}
		s.layers = append(s.layers, os.DirFS(dir))
	}
	s.layers = append(s.layers, embedded)
	return s, nil
}

// Get returns the text of the named template, e.g. "grading/2_past_history".
func (s *Store) Get(name string) (string, error) {
	file := path.Clean(name) + promptExt
	if !fs.ValidPath(file) {
		return "", fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}
	for _, layer := range s.layers {
		data, err := fs.ReadFile(layer, file)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read template %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Render replaces each key of vars with its value in one pass; text inserted by a
// substitution is never rescanned. Placeholders without a value are left as-is.
func (s *Store) Render(text string, vars map[string]string) string {
	return Render(text, vars)
}

// Render is the package-level form of Store.Render.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// SystemPrompt is the generic patient behaviour prompt.
func (s *Store) SystemPrompt() string {
	return s.prompt(systemPromptName)
}

// PatientPrompt is the background of one simulated patient.
func (s *Store) PatientPrompt(id string) string {
	return s.prompt(id)
}

// CombinedPrompt joins the system prompt and a patient's background.
func (s *Store) CombinedPrompt(id string) string {
	system := s.SystemPrompt()
	patient := s.PatientPrompt(id)
	if patient == "" {
		return system
	}
	return system + backgroundSeparator + patient
}

// AvailablePatients lists the ids of every patient prompt, sorted.
func (s *Store) AvailablePatients() []string {
	seen := map[string]bool{}
	for _, layer := range s.layers {
		entries, err := fs.ReadDir(layer, ".")
		if err != nil {
			s.logger.Warn("list prompts: %v", err)
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, promptExt) {
				continue
			}
			id := strings.TrimSuffix(name, promptExt)
			if id != systemPromptName {
				seen[id] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// prompt loads a top-level prompt, trimmed, falling back to DefaultPatientPrompt.
func (s *Store) prompt(name string) string {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return DefaultPatientPrompt
	}
	text, err := s.Get(name)
	if err != nil {
		s.logger.Warn("prompt %q unavailable, using default: %v", name, err)
		return DefaultPatientPrompt
	}
	return strings.TrimSpace(text)
}
