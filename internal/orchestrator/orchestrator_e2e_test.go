package orchestrator_test

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/introtools/fstrace/internal/orchestrator"
	"github.com/introtools/fstrace/internal/tracefstest"
)

func TestMain(m *testing.M) {
	tracefstest.EnterNamespaceAndRun(m.Run)
}

func requireFUSE(t *testing.T) {
	t.Helper()
	if !tracefstest.SkipUnlessFUSE() {
		t.Skip("/dev/fuse not available")
	}
}

func quietLogger() *log.Logger {
	return log.New(os.Stderr, "[fstrace-test] ", 0)
}

// TestRunTracesReadAndWrite mounts a real FUSE view of / and runs a
// shell delegate that reads one file and writes another through the
// mount, then checks the resulting trace log names both by their host
// paths.
func TestRunTracesReadAndWrite(t *testing.T) {
	requireFUSE(t)

	tmp := t.TempDir()
	mountPoint := filepath.Join(tmp, "mnt")
	logPath := filepath.Join(tmp, "trace.log")
	srcFile := filepath.Join(tmp, "input.txt")

	if err := os.WriteFile(srcFile, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	outFile := filepath.Join(tmp, "output.txt")
	// The delegate must reach these files through the mount (prefixed
	// with mountPoint) for the accesses to be traced: chdir alone,
	// with no chroot, does not confine absolute-path lookups.
	mountedSrc := filepath.Join(mountPoint, srcFile)
	mountedOut := filepath.Join(mountPoint, outFile)
	delegate := []string{"sh", "-c", "cat " + mountedSrc + " > " + mountedOut}

	exitCode, err := orchestrator.Run(delegate, orchestrator.Config{
		MountPoint: mountPoint,
		LogPath:    logPath,
	}, quietLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exitCode != 0 {
		t.Fatalf("delegate exit code = %d, want 0", exitCode)
	}

	got, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read trace log: %v", err)
	}
	trace := string(got)

	if !strings.Contains(trace, "R\t"+srcFile) {
		t.Errorf("trace missing read of %s:\n%s", srcFile, trace)
	}
	if !strings.Contains(trace, "W\t"+outFile) {
		t.Errorf("trace missing write of %s:\n%s", outFile, trace)
	}

	if _, err := os.Stat(outFile); err != nil {
		t.Errorf("delegate's write did not reach the host filesystem: %v", err)
	}
}

// TestRunPropagatesDelegateExitCode confirms a failing delegate's exit
// status comes back from Run even though the mount tore down cleanly.
func TestRunPropagatesDelegateExitCode(t *testing.T) {
	requireFUSE(t)

	tmp := t.TempDir()
	mountPoint := filepath.Join(tmp, "mnt")
	logPath := filepath.Join(tmp, "trace.log")

	exitCode, err := orchestrator.Run([]string{"sh", "-c", "exit 17"}, orchestrator.Config{
		MountPoint: mountPoint,
		LogPath:    logPath,
	}, quietLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exitCode != 17 {
		t.Errorf("exit code = %d, want 17", exitCode)
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("trace log should still be written on delegate failure: %v", err)
	}
}

// TestRunCompressedLog exercises the zstd-compressed log path end to
// end against a real mount.
func TestRunCompressedLog(t *testing.T) {
	requireFUSE(t)

	tmp := t.TempDir()
	mountPoint := filepath.Join(tmp, "mnt")
	logPath := filepath.Join(tmp, "trace.log.zst")
	srcFile := filepath.Join(tmp, "input.txt")
	if err := os.WriteFile(srcFile, []byte("data\n"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	exitCode, err := orchestrator.Run([]string{"cat", filepath.Join(mountPoint, srcFile)}, orchestrator.Config{
		MountPoint: mountPoint,
		LogPath:    logPath,
		Compress:   true,
	}, quietLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exitCode != 0 {
		t.Fatalf("delegate exit code = %d, want 0", exitCode)
	}

	got, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read trace log: %v", err)
	}
	// A zstd frame starts with a fixed 4-byte magic number.
	want := []byte{0x28, 0xb5, 0x2f, 0xfd}
	if len(got) < 4 || string(got[:4]) != string(want) {
		t.Errorf("trace log does not start with zstd magic bytes: %x", got)
	}
}
