package submission

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"

	appErr "fuzoj/pkg/errors"
)

// compileResult is the parsed stdout contract of a compile script.
type compileResult struct {
	ExitCode int
	BinPath  string
	Stdout   string
}

func runCompile(ctx context.Context, script string, argv []string) (compileResult, error) {
	cmd := exec.CommandContext(ctx, script, argv...)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return compileResult{}, appErr.Wrap(err, appErr.GradingIOError)
	}
	stdout := string(out)

	lines := splitLines(stdout)
	if len(lines) < 1 {
		return compileResult{}, appErr.New(appErr.GradingIndexError).WithMessage("compile script produced no stdout")
	}
	code, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return compileResult{}, appErr.Wrap(err, appErr.GradingParseError)
	}

	result := compileResult{ExitCode: code, Stdout: stdout}
	if code == 0 {
		if len(lines) < 2 {
			return compileResult{}, appErr.New(appErr.GradingIndexError).WithMessage("compile script missing binary path line")
		}
		result.BinPath = strings.TrimSpace(lines[1])
	}
	return result, nil
}

// checkerResult is the parsed stdout contract of a checker script.
type checkerResult struct {
	Status  string
	Score   float64
	Message string
}

func runChecker(ctx context.Context, script, input, output, solution string) (checkerResult, error) {
	cmd := exec.CommandContext(ctx, script, input, output, solution)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return checkerResult{}, appErr.Wrap(err, appErr.GradingIOError)
	}
	lines := splitLines(string(out))
	if len(lines) < 2 {
		return checkerResult{}, appErr.New(appErr.GradingIndexError).WithMessage("checker script missing status or score line")
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err != nil {
		return checkerResult{}, appErr.Wrap(err, appErr.GradingParseError)
	}
	result := checkerResult{Status: strings.TrimSpace(lines[0]), Score: score}
	if len(lines) >= 3 {
		result.Message = strings.TrimSpace(lines[2])
	}
	return result, nil
}

func runGrouper(ctx context.Context, script string, fullScore uint64, scores []float64) (float64, error) {
	argv := make([]string, 0, len(scores)+1)
	argv = append(argv, strconv.FormatUint(fullScore, 10))
	for _, s := range scores {
		argv = append(argv, strconv.FormatFloat(s, 'f', -1, 64))
	}
	cmd := exec.CommandContext(ctx, script, argv...)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return 0, appErr.Wrap(err, appErr.GradingIOError)
	}
	lines := splitLines(string(out))
	if len(lines) < 1 {
		return 0, appErr.New(appErr.GradingIndexError).WithMessage("grouper script produced no stdout")
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.GradingParseError)
	}
	return score, nil
}

func splitLines(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
