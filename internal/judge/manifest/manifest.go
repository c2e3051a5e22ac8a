// Package manifest loads and represents a task's manifest.yaml.
package manifest

import (
	"os"
	"sort"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	appErr "fuzoj/pkg/errors"
)

// LanguageLimit overrides the task-level time/memory limit for one language.
type LanguageLimit struct {
	TimeLimit   float64 // seconds
	MemoryLimit uint64  // KB
}

// Group is one ordered scoring group: the first FullScore points are
// awarded only if every one of the next Tests testcases passes.
type Group struct {
	FullScore uint64
	Tests     uint64
}

// Manifest describes one grading task.
type Manifest struct {
	TaskID       string
	OutputOnly   bool
	TimeLimit    *float64
	MemoryLimit  *uint64
	Limit        map[string]LanguageLimit
	CompileFiles map[string][]string
	Checker      string
	Grouper      string
	Groups       []Group
}

type yamlLimit struct {
	TimeLimit   float64 `yaml:"time_limit"`
	MemoryLimit int64   `yaml:"memory_limit"`
}

type yamlGroup struct {
	FullScore int64 `yaml:"full_score"`
	Tests     int64 `yaml:"tests"`
}

type yamlManifest struct {
	TaskID       string               `yaml:"task_id"`
	OutputOnly   bool                 `yaml:"output_only"`
	TimeLimit    *float64             `yaml:"time_limit"`
	MemoryLimit  *int64               `yaml:"memory_limit"`
	Limit        map[string]yamlLimit `yaml:"limit"`
	CompileFiles map[string][]string  `yaml:"compile_files"`
	Checker      *string              `yaml:"checker"`
	Grouper      *string              `yaml:"grouper"`
	Groups       []yamlGroup          `yaml:"groups"`
}

// Load parses the manifest.yaml at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.GradingIOError)
	}

	var raw yamlManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, appErr.Wrap(err, appErr.GradingParseError)
	}

	if raw.TaskID == "" {
		return nil, appErr.New(appErr.GradingIndexError).WithMessage("manifest missing task_id")
	}
	if len(raw.Groups) == 0 {
		return nil, appErr.New(appErr.GradingIndexError).WithMessage("manifest missing groups")
	}

	m := &Manifest{
		TaskID:     raw.TaskID,
		OutputOnly: raw.OutputOnly,
		Checker:    "",
		Grouper:    "",
	}

	if raw.TimeLimit != nil {
		m.TimeLimit = raw.TimeLimit
	}
	if raw.MemoryLimit != nil {
		v := uint64(*raw.MemoryLimit)
		m.MemoryLimit = &v
	}

	if len(raw.Limit) > 0 {
		m.Limit = make(map[string]LanguageLimit, len(raw.Limit))
		for lang, l := range raw.Limit {
			m.Limit[lang] = LanguageLimit{TimeLimit: l.TimeLimit, MemoryLimit: uint64(l.MemoryLimit)}
		}
	}

	if len(raw.CompileFiles) > 0 {
		m.CompileFiles = raw.CompileFiles
	}

	if raw.Checker != nil {
		m.Checker = *raw.Checker
	}
	if raw.Grouper != nil {
		m.Grouper = *raw.Grouper
	}

	m.Groups = make([]Group, 0, len(raw.Groups))
	for _, g := range raw.Groups {
		m.Groups = append(m.Groups, Group{FullScore: uint64(g.FullScore), Tests: uint64(g.Tests)})
	}

	return m, nil
}

// LimitFor resolves the effective time/memory limit for a language,
// falling back to the task-level limit when no per-language override
// exists, and finally to zero values when the task specifies neither.
func (m *Manifest) LimitFor(language string) (timeLimit float64, memoryLimit uint64) {
	if m.Limit != nil {
		if l, ok := m.Limit[language]; ok {
			return l.TimeLimit, l.MemoryLimit
		}
	}
	if m.TimeLimit != nil {
		timeLimit = *m.TimeLimit
	}
	if m.MemoryLimit != nil {
		memoryLimit = *m.MemoryLimit
	}
	return timeLimit, memoryLimit
}

// CompileFilesFor returns the extra compile_files entries declared for a
// language, tokenizing any single-string shell-like entry (an extra_args
// form some task authors use in place of a bare filename list) with
// shlex rather than treating it as one literal path.
func (m *Manifest) CompileFilesFor(language string) ([]string, error) {
	files, ok := m.CompileFiles[language]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		tokens, err := shlex.Split(f)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.GradingParseError)
		}
		out = append(out, tokens...)
	}
	return out, nil
}

// TotalTests returns the sum of tests across all groups, in group order.
func (m *Manifest) TotalTests() uint64 {
	var total uint64
	for _, g := range m.Groups {
		total += g.Tests
	}
	return total
}

// Languages returns the languages with a per-language limit override,
// sorted for deterministic iteration (map order is not stable in Go).
func (m *Manifest) Languages() []string {
	langs := make([]string, 0, len(m.Limit))
	for lang := range m.Limit {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
