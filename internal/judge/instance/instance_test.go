package instance

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLog(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestParseLogOK(t *testing.T) {
	dir := t.TempDir()
	inst := &Instance{cfg: Config{MemoryLimit: 65536}}
	inst.logFile = writeLog(t, dir, "time:0.123\ncg-mem:4096\n")

	result, err := inst.parseLog()
	if err != nil {
		t.Fatalf("parseLog: %v", err)
	}
	if result.Status != VerdictOK {
		t.Fatalf("status = %s, want OK", result.Status)
	}
	if result.TimeUsage != 0.123 {
		t.Fatalf("time usage = %v, want 0.123", result.TimeUsage)
	}
	if result.MemoryUsage != 4096 {
		t.Fatalf("memory usage = %v, want 4096", result.MemoryUsage)
	}
}

func TestParseLogMemoryLimitPromotion(t *testing.T) {
	dir := t.TempDir()
	inst := &Instance{cfg: Config{MemoryLimit: 4096}}
	inst.logFile = writeLog(t, dir, "time:0.2\ncg-mem:4096\n")

	result, err := inst.parseLog()
	if err != nil {
		t.Fatalf("parseLog: %v", err)
	}
	if result.Status != VerdictMLE {
		t.Fatalf("status = %s, want MLE (memory_usage >= memory_limit)", result.Status)
	}
}

func TestParseLogOOMKilled(t *testing.T) {
	dir := t.TempDir()
	inst := &Instance{cfg: Config{MemoryLimit: 1 << 20}}
	inst.logFile = writeLog(t, dir, "status:RE\ncg-oom-killed:1\n")

	result, err := inst.parseLog()
	if err != nil {
		t.Fatalf("parseLog: %v", err)
	}
	if result.Status != VerdictMLE {
		t.Fatalf("status = %s, want MLE (cg-oom-killed:1 overrides RE)", result.Status)
	}
}

func TestStatusFromLog(t *testing.T) {
	cases := map[string]RunVerdict{
		"RE":        VerdictRE,
		"SG":        VerdictSG,
		"TO":        VerdictTLE,
		"XX":        VerdictXX,
		"":          VerdictOK,
		"something": VerdictSG,
	}
	for input, want := range cases {
		if got := statusFromLog(input); got != want {
			t.Errorf("statusFromLog(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestProbeBoxHintWraps(t *testing.T) {
	// probeBox with a hint near the top of the range should wrap back to 1
	// rather than overflow; we can't exercise the real isolate binary here,
	// but the id arithmetic itself must stay in [1, 1000] for any hint.
	for _, hint := range []int{0, 1, 999, 1000, 1500, -5} {
		start := 1
		if hint > 0 {
			start = ((hint - 1) % 1000) + 1
		}
		if start < 1 || start > 1000 {
			t.Errorf("hint %d produced out-of-range start %d", hint, start)
		}
	}
}
