package submission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

type fakeRegistry struct {
	scriptsDir string
}

func (r *fakeRegistry) Extension(language string) (string, error) { return "txt", nil }
func (r *fakeRegistry) CompileScript(language string) (string, error) {
	return filepath.Join(r.scriptsDir, "compile.sh"), nil
}
func (r *fakeRegistry) Runner(language string) (string, error) {
	return filepath.Join(r.scriptsDir, "runner.sh"), nil
}
func (r *fakeRegistry) Checker(taskPath, name string) string {
	return filepath.Join(r.scriptsDir, "checker.sh")
}
func (r *fakeRegistry) Grouper(taskPath, name string) string {
	return filepath.Join(r.scriptsDir, "grouper.sh")
}
func (r *fakeRegistry) Message(statusPhrase string) string { return statusPhrase }

func TestRunCompileSuccess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "compile.sh", "echo 0\necho /bin/true\n")

	result, err := runCompile(context.Background(), script, []string{"arg1"})
	if err != nil {
		t.Fatalf("runCompile: %v", err)
	}
	if result.ExitCode != 0 || result.BinPath != "/bin/true" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunCompileFailureStillParses(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "compile.sh", "echo 1\n")

	result, err := runCompile(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("runCompile: %v", err)
	}
	if result.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", result.ExitCode)
	}
}

func TestRunCheckerWithMessage(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "checker.sh", "echo Correct\necho 100\necho looks good\n")

	result, err := runChecker(context.Background(), script, "in", "out", "sol")
	if err != nil {
		t.Fatalf("runChecker: %v", err)
	}
	if result.Status != "Correct" || result.Score != 100 || result.Message != "looks good" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunGrouper(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "grouper.sh", "echo 42\n")

	score, err := runGrouper(context.Background(), script, 100, []float64{1, 0.5})
	if err != nil {
		t.Fatalf("runGrouper: %v", err)
	}
	if score != 42 {
		t.Fatalf("score = %v, want 42", score)
	}
}

func TestBoxIDHintInRange(t *testing.T) {
	for _, id := range []string{"1", "abc", "submission-9999", ""} {
		h := boxIDHint(id)
		if h < 1 || h > 1000 {
			t.Errorf("boxIDHint(%q) = %d, out of [1,1000]", id, h)
		}
	}
}

func TestBoxIDHintDisjointForDistinctIDs(t *testing.T) {
	a := boxIDHint("submission-1")
	b := boxIDHint("submission-2")
	if a == b {
		t.Fatalf("boxIDHint(submission-1) = boxIDHint(submission-2) = %d, want distinct hints", a)
	}
}

// buildTask lays out a minimal task directory: manifest, one testcase,
// and compile/checker/grouper/runner scripts wired through fakeRegistry.
func buildTask(t *testing.T) (taskPath, scriptsDir string) {
	t.Helper()
	base := t.TempDir()
	taskPath = filepath.Join(base, "tasks", "t1")
	scriptsDir = filepath.Join(base, "scripts")
	if err := os.MkdirAll(filepath.Join(taskPath, "testcases"), 0o755); err != nil {
		t.Fatalf("mkdir testcases: %v", err)
	}
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskPath, "manifest.yaml"), []byte(`
task_id: "t1"
time_limit: 1.0
memory_limit: 65536
groups:
  - full_score: 100
    tests: 1
`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskPath, "testcases", "1.in"), []byte("2 2\n"), 0o644); err != nil {
		t.Fatalf("write testcase: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskPath, "testcases", "1.sol"), []byte("4\n"), 0o644); err != nil {
		t.Fatalf("write solution: %v", err)
	}
	writeScript(t, scriptsDir, "compile.sh", "echo 0\necho /bin/true\n")
	writeScript(t, scriptsDir, "checker.sh", "echo Correct\necho 100\n")
	writeScript(t, scriptsDir, "grouper.sh", "echo 100\n")
	writeScript(t, scriptsDir, "runner.sh", "true\n")
	return taskPath, scriptsDir
}

func TestIntakeTaskNotFound(t *testing.T) {
	base := t.TempDir()
	cfg := Config{
		BasePath:      base,
		TemporaryPath: base,
		Registry:      &fakeRegistry{},
	}
	var captured []SubmissionMessage
	sink := sinkFunc(func(msg SubmissionMessage) { captured = append(captured, msg) })

	_, err := Intake(context.Background(), cfg, "missing-task", "sub-1", "cpp", []string{"code"}, sink)
	if err == nil {
		t.Fatal("expected error for missing task directory")
	}
	found := false
	for _, msg := range captured {
		if msg.Kind == MessageStatus && msg.Status.Kind == StatusTaskNotFound {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a TaskNotFound status message, got %+v", captured)
	}
}

type sinkFunc func(SubmissionMessage)

func (f sinkFunc) Send(msg SubmissionMessage) { f(msg) }

func TestIntakeCompileHappyPath(t *testing.T) {
	taskPath, scriptsDir := buildTask(t)
	base := filepath.Dir(filepath.Dir(taskPath)) // base/tasks/t1 -> base

	cfg := Config{
		BasePath:      base,
		TemporaryPath: t.TempDir(),
		Registry:      &fakeRegistry{scriptsDir: scriptsDir},
	}

	var captured []SubmissionMessage
	sink := sinkFunc(func(msg SubmissionMessage) { captured = append(captured, msg) })

	sub, err := Intake(context.Background(), cfg, "t1", "sub-1", "cpp", []string{"int main(){}"}, sink)
	if err != nil {
		t.Fatalf("Intake: %v", err)
	}
	defer sub.Close(context.Background())

	ok, err := sub.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !ok {
		t.Fatal("expected successful compile")
	}

	// Run would invoke the real isolate sandbox via runEach; without it
	// present this environment cannot exercise Run end-to-end, so this
	// test stops at verifying intake+compile staged everything needed for
	// it (the binary path and manifest are in place).
	if sub.binPath == "" {
		t.Fatal("expected binPath to be set after a successful compile")
	}
	if sub.manifest == nil || sub.manifest.TaskID != "t1" {
		t.Fatalf("manifest not loaded correctly: %+v", sub.manifest)
	}

	foundCompiling, foundCompiled := false, false
	for _, msg := range captured {
		if msg.Kind != MessageStatus {
			continue
		}
		switch msg.Status.Kind {
		case StatusCompiling:
			foundCompiling = true
		case StatusCompiled:
			foundCompiled = true
		}
	}
	if !foundCompiling || !foundCompiled {
		t.Fatalf("expected Compiling and Compiled status messages, got %+v", captured)
	}
}
