// Package instance runs a single testcase inside the isolate sandbox.
package instance

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"
)

// RunVerdict is the sandbox-derived outcome of one execution.
type RunVerdict string

const (
	VerdictOK  RunVerdict = "OK"
	VerdictTLE RunVerdict = "TLE"
	VerdictMLE RunVerdict = "MLE"
	VerdictRE  RunVerdict = "RE"
	VerdictSG  RunVerdict = "SG"
	VerdictXX  RunVerdict = "XX"
)

// InstanceResult is the parsed outcome of one sandboxed run.
type InstanceResult struct {
	Status      RunVerdict
	TimeUsage   float64 // seconds
	MemoryUsage uint64  // KB
}

// Config configures one Instance before Init is called.
type Config struct {
	IsolatePath     string
	TemporaryPath   string
	AlternativePath string

	BinPath    string
	RunnerPath string
	InputPath  string
	OutputPath string

	TimeLimit   float64 // seconds
	MemoryLimit uint64  // KB

	// BoxIDHint starts the box_id probe at this value (wrapping into
	// 1..1000) instead of always probing from 1, so concurrent
	// submissions land on disjoint box_ids in the common case. Probing
	// still falls through to any free id if the hinted one is taken.
	BoxIDHint int
}

// Instance wraps one isolate box for the lifetime of a single testcase run.
//
// It owns box_id from Init until Close and guarantees the sandbox slot and
// log file are released on every exit path, including a panic unwind, by
// requiring callers to `defer inst.Close()` immediately after a successful
// Init — mirroring the Rust original's Drop impl.
type Instance struct {
	cfg Config

	boxID   int
	boxPath string
	logFile string

	initialized bool
}

// New creates an Instance; call Init before Run.
func New(cfg Config) *Instance {
	return &Instance{cfg: cfg}
}

// Init allocates a sandbox slot by probing --init with ids 1..1000 and
// stages the input, binary, and runner files into the returned box.
func (inst *Instance) Init(ctx context.Context) error {
	if os.Geteuid() != 0 {
		return appErr.New(appErr.GradingPermissionError).WithMessage("isolate requires root privileges")
	}

	boxID, boxPath, err := probeBox(ctx, inst.cfg.IsolatePath, inst.cfg.BoxIDHint)
	if err != nil {
		return err
	}
	inst.boxID = boxID
	inst.boxPath = boxPath
	inst.logFile = filepath.Join(inst.cfg.TemporaryPath, "tmp_log_"+strconv.Itoa(boxID)+".txt")

	if err := copyFile(inst.cfg.InputPath, filepath.Join(boxPath, "input")); err != nil {
		inst.cleanup(ctx)
		return appErr.Wrap(err, appErr.GradingIOError)
	}
	if err := copyFile(inst.cfg.BinPath, filepath.Join(boxPath, filepath.Base(inst.cfg.BinPath))); err != nil {
		inst.cleanup(ctx)
		return appErr.Wrap(err, appErr.GradingIOError)
	}
	if err := copyFile(inst.cfg.RunnerPath, filepath.Join(boxPath, "runner")); err != nil {
		inst.cleanup(ctx)
		return appErr.Wrap(err, appErr.GradingIOError)
	}

	inst.initialized = true
	return nil
}

// probeBox tries box ids starting at hint (wrapping into 1..1000, or
// starting at 1 when hint is 0) and returns the first that successfully
// initializes, along with the working directory isolate reports. Probing
// (rather than a shared counter) recovers cleanly from a crashed grader
// that left a box allocated without releasing it.
func probeBox(ctx context.Context, isolatePath string, hint int) (int, string, error) {
	start := 1
	if hint > 0 {
		start = ((hint - 1) % 1000) + 1
	}
	for offset := 0; offset < 1000; offset++ {
		id := ((start - 1 + offset) % 1000) + 1
		out, err := exec.CommandContext(ctx, isolatePath, "--init", "--cg", "-b", strconv.Itoa(id)).Output()
		if err != nil {
			continue
		}
		dir := strings.TrimRight(string(out), "\n")
		return id, filepath.Join(dir, "box"), nil
	}
	return 0, "", appErr.New(appErr.GradingIOError).WithMessage("no isolate box id available")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755)
}

// Run invokes isolate around the staged runner, blocking until the child
// exits, then parses the verdict and copies the produced output out on OK.
func (inst *Instance) Run(ctx context.Context) (InstanceResult, error) {
	if !inst.initialized {
		return InstanceResult{}, appErr.New(appErr.GradingIOError).WithMessage("instance not initialized")
	}

	args := []string{
		"-b", strconv.Itoa(inst.boxID),
		"-M", inst.logFile,
		"-t", strconv.FormatFloat(inst.cfg.TimeLimit, 'f', -1, 64),
		"-w", strconv.FormatFloat(inst.cfg.TimeLimit+5, 'f', -1, 64),
		"-x", strconv.FormatFloat(inst.cfg.TimeLimit+1, 'f', -1, 64),
		"-i", "input",
		"-o", "output",
		"--processes=128",
		"--cg",
		"--cg-timing",
		"--cg-mem=" + strconv.FormatUint(inst.cfg.MemoryLimit, 10),
	}
	if inst.cfg.AlternativePath != "" {
		args = append(args, "--dir="+inst.cfg.AlternativePath)
	}
	args = append(args, "--run", "--", "runner")

	cmd := exec.CommandContext(ctx, inst.cfg.IsolatePath, args...)
	// The sandbox child's own exit status is not an engine error: its
	// verdict is fully encoded in the log file isolate writes via -M.
	_ = cmd.Run()

	result, err := inst.parseLog()
	if err != nil {
		return InstanceResult{}, err
	}

	if result.Status == VerdictOK {
		if err := copyFile(filepath.Join(inst.boxPath, "output"), inst.cfg.OutputPath); err != nil {
			return InstanceResult{}, appErr.Wrap(err, appErr.GradingIOError)
		}
	}
	return result, nil
}

// parseLog reads the colon-delimited isolate log and derives a verdict.
func (inst *Instance) parseLog() (InstanceResult, error) {
	file, err := os.Open(inst.logFile)
	if err != nil {
		return InstanceResult{}, appErr.Wrap(err, appErr.GradingIOError)
	}
	defer file.Close()

	result := InstanceResult{Status: VerdictOK}
	oomKilled := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "status":
			result.Status = statusFromLog(value)
		case "time":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				result.TimeUsage = v
			}
		case "cg-mem":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				result.MemoryUsage = v
			}
		case "cg-oom-killed":
			oomKilled = strings.TrimSpace(value) == "1"
		}
	}
	if err := scanner.Err(); err != nil {
		return InstanceResult{}, appErr.Wrap(err, appErr.GradingIOError)
	}

	if oomKilled || (result.Status == VerdictOK && result.MemoryUsage >= inst.cfg.MemoryLimit) {
		result.Status = VerdictMLE
	}
	return result, nil
}

// statusFromLog maps the isolate status field to a RunVerdict. Any
// unrecognized non-empty value collapses to SG rather than XX: XX is
// reserved for breakage in the sandbox itself, SG for a user program killed
// for a reason the engine cannot classify more precisely.
func statusFromLog(value string) RunVerdict {
	switch value {
	case "RE":
		return VerdictRE
	case "SG":
		return VerdictSG
	case "TO":
		return VerdictTLE
	case "XX":
		return VerdictXX
	case "":
		return VerdictOK
	default:
		return VerdictSG
	}
}

// Close releases the sandbox slot and removes the log file. It is
// best-effort and safe to call multiple times; failures are logged, never
// propagated, so cleanup never masks a grading result.
func (inst *Instance) Close(ctx context.Context) {
	if !inst.initialized {
		return
	}
	inst.initialized = false
	inst.cleanup(ctx)
}

func (inst *Instance) cleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := exec.CommandContext(cleanupCtx, inst.cfg.IsolatePath, "--cleanup", "--cg", "-b", strconv.Itoa(inst.boxID)).Output(); err != nil {
		logger.Warn(ctx, "isolate cleanup failed", zap.Int("box_id", inst.boxID), zap.Error(err))
	}
	if inst.logFile != "" {
		if err := os.Remove(inst.logFile); err != nil && !os.IsNotExist(err) {
			logger.Warn(ctx, "remove sandbox log failed", zap.String("log_file", inst.logFile), zap.Error(err))
		}
	}
}

// BoxID returns the sandbox slot id this instance was assigned by Init.
func (inst *Instance) BoxID() int {
	return inst.boxID
}
