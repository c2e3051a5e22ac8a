// Package submission orchestrates one submission's lifecycle: staging,
// compile, per-test sandboxed execution, grouping, and result reporting.
package submission

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"fuzoj/internal/judge/instance"
	"fuzoj/internal/judge/manifest"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"
)

// TaskResolver materializes a task's on-disk directory before a
// Submission resolves <base>/tasks/<task_id>, e.g. a TaskStore fetching
// and extracting a task corpus from object storage. Nil means the task
// directory is already present under BasePath (disk-only deployment).
type TaskResolver interface {
	Ensure(ctx context.Context, taskID string) (localPath string, err error)
}

// Config configures the environment a Submission runs in.
type Config struct {
	BasePath        string // tasks + scripts root
	TemporaryPath   string // staging root
	IsolatePath     string
	AlternativePath string

	Registry Registry
	Resolver TaskResolver // optional
}

// Submission drives one submission through its full lifecycle.
//
// It exclusively owns its staging directory; Close removes it on every
// exit path, mirroring the teacher's explicit scoped-cleanup style.
type Submission struct {
	cfg Config

	TaskID       string
	SubmissionID string
	Language     string

	tmpPath  string
	taskPath string
	manifest *manifest.Manifest
	binPath  string

	sink Sink

	closed bool
}

// Intake stages source files and parses the task manifest, mirroring
// the Rust original's `try_from`: staging directory creation happens
// first, task directory resolution second. A fresh staging directory
// is created named by submission_id; any previous directory at that
// path is removed first so intake is idempotent across a crash/restart.
func Intake(ctx context.Context, cfg Config, taskID, submissionID, language string, code []string, sink Sink) (*Submission, error) {
	sub := &Submission{
		cfg:          cfg,
		TaskID:       taskID,
		SubmissionID: submissionID,
		Language:     language,
		sink:         sink,
	}

	sub.tmpPath = filepath.Join(cfg.TemporaryPath, submissionID)
	if err := os.RemoveAll(sub.tmpPath); err != nil {
		return nil, appErr.Wrap(err, appErr.GradingIOError)
	}
	if err := os.MkdirAll(sub.tmpPath, 0o755); err != nil {
		return nil, appErr.Wrap(err, appErr.GradingIOError)
	}

	taskPath := filepath.Join(cfg.BasePath, "tasks", taskID)
	if cfg.Resolver != nil {
		resolved, err := cfg.Resolver.Ensure(ctx, taskID)
		if err == nil {
			taskPath = resolved
		}
	}
	if _, err := os.Stat(taskPath); os.IsNotExist(err) {
		sub.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusTaskNotFound}})
		sub.Close(ctx)
		return nil, appErr.New(appErr.GradingTaskNotFound).WithDetail("task_id", taskID)
	}
	sub.taskPath = taskPath

	ext, err := cfg.Registry.Extension(language)
	if err != nil {
		sub.Close(ctx)
		return nil, err
	}
	for i, source := range code {
		name := "code_" + strconv.Itoa(i) + "." + ext
		if err := os.WriteFile(filepath.Join(sub.tmpPath, name), []byte(source), 0o644); err != nil {
			sub.Close(ctx)
			return nil, appErr.Wrap(err, appErr.GradingIOError)
		}
	}

	// A task directory with no compile_files/ subdirectory is not an
	// error: treat it as declaring zero auxiliary files.
	compileFilesDir := filepath.Join(taskPath, "compile_files")
	if entries, err := os.ReadDir(compileFilesDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			src := filepath.Join(compileFilesDir, entry.Name())
			dst := filepath.Join(sub.tmpPath, entry.Name())
			if err := copyFile(src, dst); err != nil {
				sub.Close(ctx)
				return nil, appErr.Wrap(err, appErr.GradingIOError)
			}
		}
	} else if !os.IsNotExist(err) {
		sub.Close(ctx)
		return nil, appErr.Wrap(err, appErr.GradingIOError)
	}

	m, err := manifest.Load(filepath.Join(taskPath, "manifest.yaml"))
	if err != nil {
		sub.Close(ctx)
		return nil, err
	}
	sub.manifest = m

	sub.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusInitialized}})
	return sub, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (s *Submission) emit(msg SubmissionMessage) {
	if s.sink != nil {
		s.sink.Send(msg)
	}
}

// Manifest returns the parsed task manifest.
func (s *Submission) Manifest() *manifest.Manifest {
	return s.manifest
}

// Compile invokes the language-specific compile script. A non-zero exit
// is not an engine error: it is a successful compile phase with a
// negative outcome, reported as a CompilationError status.
func (s *Submission) Compile(ctx context.Context) (bool, error) {
	s.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusCompiling}})

	script, err := s.cfg.Registry.CompileScript(s.Language)
	if err != nil {
		return false, err
	}

	ext, err := s.cfg.Registry.Extension(s.Language)
	if err != nil {
		return false, err
	}

	argv := []string{s.tmpPath}
	for i := 0; ; i++ {
		path := filepath.Join(s.tmpPath, "code_"+strconv.Itoa(i)+"."+ext)
		if _, err := os.Stat(path); err != nil {
			break
		}
		argv = append(argv, path)
	}

	aux, err := s.manifest.CompileFilesFor(s.Language)
	if err != nil {
		return false, err
	}
	for _, f := range aux {
		argv = append(argv, filepath.Join(s.tmpPath, f))
	}

	result, err := runCompile(ctx, script, argv)
	if err != nil {
		return false, err
	}

	if result.ExitCode == 0 {
		s.binPath = result.BinPath
		s.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusCompiled}})
		return true, nil
	}
	s.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{
		Kind:              StatusCompilationError,
		CompilationStdout: result.Stdout,
	}})
	return false, nil
}

// Run executes every group/test in manifest order, applying
// skip-propagation within each group, and emits a terminal Done status.
func (s *Submission) Run(ctx context.Context) (SubmissionResult, error) {
	result := SubmissionResult{SubmissionID: s.SubmissionID}
	for _, g := range s.manifest.Groups {
		result.FullScore += g.FullScore
	}

	if s.binPath == "" {
		s.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusDone, Result: result}})
		return result, nil
	}

	checker := s.cfg.Registry.Checker(s.taskPath, s.manifest.Checker)
	grouper := s.cfg.Registry.Grouper(s.taskPath, s.manifest.Grouper)
	runner, err := s.cfg.Registry.Runner(s.Language)
	if err != nil {
		return SubmissionResult{}, err
	}

	lastTest := uint64(1)
	for groupIndex, g := range s.manifest.Groups {
		groupResult := GroupResult{
			FullScore:    g.FullScore,
			SubmissionID: s.SubmissionID,
			GroupIndex:   uint64(groupIndex) + 1,
			RunResult:    make([]RunResult, 0, g.Tests),
		}
		skip := false
		scores := make([]float64, 0, g.Tests)

		for i := lastTest; i < lastTest+g.Tests; i++ {
			var run RunResult
			if skip {
				run = RunResult{SubmissionID: s.SubmissionID, TestIndex: i, Status: "", Score: 0}
			} else {
				run, err = s.runEach(ctx, checker, runner, i)
				if err != nil {
					return SubmissionResult{}, err
				}
				if run.Status != "Correct" && run.Status != "Partially Correct" {
					skip = true
				}
			}
			scores = append(scores, run.Score)
			groupResult.RunResult = append(groupResult.RunResult, run)
			s.emit(SubmissionMessage{Kind: MessageRunResult, RunResult: run})
		}

		if !skip {
			score, err := runGrouper(ctx, grouper, g.FullScore, scores)
			if err != nil {
				return SubmissionResult{}, err
			}
			groupResult.Score = score
			result.Score += score
		}

		result.GroupResult = append(result.GroupResult, groupResult)
		s.emit(SubmissionMessage{Kind: MessageGroupResult, GroupResult: groupResult})
		lastTest += g.Tests
	}

	s.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusDone, Result: result}})
	return result, nil
}

// runEach executes one testcase inside the sandbox and resolves its
// checker verdict, mirroring spec's fixed English phrases for
// non-OK sandbox verdicts.
func (s *Submission) runEach(ctx context.Context, checkerScript, runnerScript string, testIndex uint64) (RunResult, error) {
	s.emit(SubmissionMessage{Kind: MessageStatus, Status: SubmissionStatus{Kind: StatusRunning, RunningTestIndex: testIndex}})

	timeLimit, memoryLimit := s.manifest.LimitFor(s.Language)
	idx := strconv.FormatUint(testIndex, 10)
	inputPath := filepath.Join(s.taskPath, "testcases", idx+".in")
	outputPath := filepath.Join(s.tmpPath, "output_"+idx)

	inst := instance.New(instance.Config{
		IsolatePath:     s.cfg.IsolatePath,
		TemporaryPath:   s.cfg.TemporaryPath,
		AlternativePath: s.cfg.AlternativePath,
		BinPath:         s.binPath,
		RunnerPath:      runnerScript,
		InputPath:       inputPath,
		OutputPath:      outputPath,
		TimeLimit:       timeLimit,
		MemoryLimit:     memoryLimit * 1000,
		BoxIDHint:       boxIDHint(s.SubmissionID),
	})

	if err := inst.Init(ctx); err != nil {
		return RunResult{}, err
	}
	defer inst.Close(ctx)

	instResult, err := inst.Run(ctx)
	if err != nil {
		return RunResult{}, err
	}

	run := RunResult{
		SubmissionID: s.SubmissionID,
		TestIndex:    testIndex,
		TimeUsage:    instResult.TimeUsage,
		MemoryUsage:  instResult.MemoryUsage,
	}

	switch instResult.Status {
	case instance.VerdictOK:
		solution := filepath.Join(s.taskPath, "testcases", idx+".sol")
		checked, err := runChecker(ctx, checkerScript, inputPath, outputPath, solution)
		if err != nil {
			return RunResult{}, err
		}
		run.Status = checked.Status
		run.Score = checked.Score
		run.Message = checked.Message
	case instance.VerdictTLE:
		run.Status = "Time Limit Exceeded"
	case instance.VerdictMLE:
		run.Status = "Memory Limit Exceeded"
	case instance.VerdictRE:
		run.Status = "Runtime Error"
	case instance.VerdictSG:
		run.Status = "Signal Error"
	default:
		run.Status = "Judge Error"
	}
	if run.Message == "" && run.Status != "Correct" && run.Status != "Partially Correct" {
		run.Message = s.cfg.Registry.Message(run.Status)
	}
	return run, nil
}

// boxIDHint derives a starting box_id probe offset from a submission_id
// so concurrent submissions land on disjoint box_ids in the common case,
// per the Dispatcher's "no cross-submission coordination" concurrency
// model.
func boxIDHint(submissionID string) int {
	var h int
	for _, c := range submissionID {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return (h % 1000) + 1
}

// Close removes the staging directory. Safe to call multiple times;
// best-effort, logged but never propagated, so cleanup never masks a
// grading result already produced.
func (s *Submission) Close(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	if s.tmpPath == "" {
		return
	}
	if err := os.RemoveAll(s.tmpPath); err != nil {
		logger.Warn(ctx, "remove submission staging dir failed", zap.String("path", s.tmpPath), zap.Error(err))
	}
}
