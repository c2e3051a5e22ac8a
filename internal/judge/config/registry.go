package config

import (
	"path/filepath"

	appErr "fuzoj/pkg/errors"
)

// LanguageEntry describes one submittable language: its staging file
// extension, the compile script used to build it, and the runner binary
// fed to the sandbox at execution time.
type LanguageEntry struct {
	ID            string `yaml:"id"`
	Extension     string `yaml:"extension"`
	CompileScript string `yaml:"compileScript"`
	Runner        string `yaml:"runner"`
}

// Registry resolves language metadata and status-phrase messages from
// the loaded AppConfig, implementing submission.Registry.
type Registry struct {
	basePath  string
	languages map[string]LanguageEntry
	messages  map[string]string
}

// NewRegistry builds a Registry from the language table and message
// table declared in an AppConfig, rooting checker/grouper script
// resolution at cfg.Sandbox.BasePath.
func NewRegistry(cfg *AppConfig) *Registry {
	r := &Registry{
		basePath:  cfg.Sandbox.BasePath,
		languages: make(map[string]LanguageEntry, len(cfg.Languages)),
		messages:  cfg.Messages,
	}
	for _, l := range cfg.Languages {
		r.languages[l.ID] = l
	}
	return r
}

func (r *Registry) lookup(language string) (LanguageEntry, error) {
	l, ok := r.languages[language]
	if !ok {
		return LanguageEntry{}, appErr.New(appErr.UnsupportedLanguage).WithDetail("language", language)
	}
	return l, nil
}

// Extension implements submission.Registry.
func (r *Registry) Extension(language string) (string, error) {
	l, err := r.lookup(language)
	if err != nil {
		return "", err
	}
	return l.Extension, nil
}

// CompileScript implements submission.Registry.
func (r *Registry) CompileScript(language string) (string, error) {
	l, err := r.lookup(language)
	if err != nil {
		return "", err
	}
	return l.CompileScript, nil
}

// Runner implements submission.Registry.
func (r *Registry) Runner(language string) (string, error) {
	l, err := r.lookup(language)
	if err != nil {
		return "", err
	}
	return l.Runner, nil
}

// Checker implements submission.Registry: a named checker resolves
// under the global scripts/checker_scripts/ directory rooted at
// BasePath; an absent name falls back to the task-relative bare file.
func (r *Registry) Checker(taskPath, name string) string {
	if name == "" {
		return filepath.Join(taskPath, "checker")
	}
	return filepath.Join(r.basePath, "scripts", "checker_scripts", name)
}

// Grouper implements submission.Registry: a named grouper resolves
// under the global scripts/grouper_scripts/ directory rooted at
// BasePath; an absent name falls back to the task-relative bare file.
func (r *Registry) Grouper(taskPath, name string) string {
	if name == "" {
		return filepath.Join(taskPath, "grouper")
	}
	return filepath.Join(r.basePath, "scripts", "grouper_scripts", name)
}

// Message implements submission.Registry, falling back to a generic
// rendering of the raw status phrase when no human text was configured
// for it.
func (r *Registry) Message(statusPhrase string) string {
	if msg, ok := r.messages[statusPhrase]; ok {
		return msg
	}
	return statusPhrase
}
