package orchestrator

import (
	"bytes"
	"os"
	"testing"
)

func TestWaitForDelegateRejectsUnknownPid(t *testing.T) {
	// A pid this process never started (and is not the parent of)
	// must fail immediately rather than block forever.
	if _, err := waitForDelegate(1); err == nil {
		t.Fatalf("expected an error waiting on a pid we did not start")
	}
}

func TestBuildDelegateCmdPassesMirroredCwdAndArgs(t *testing.T) {
	readyR, readyW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer readyR.Close()
	defer readyW.Close()

	cmd := buildDelegateCmd([]string{"echo", "hi"}, "/mnt/fstrace/home/user", readyR)

	if len(cmd.Args) < 5 {
		t.Fatalf("expected at least 5 args, got %v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Errorf("Args[1] = %q, want -c", cmd.Args[1])
	}
	if got, want := cmd.Args[4], "/mnt/fstrace/home/user"; got != want {
		t.Errorf("mirrored cwd arg = %q, want %q", got, want)
	}
	if got, want := cmd.Args[len(cmd.Args)-2], "echo"; got != want {
		t.Errorf("delegate command arg = %q, want %q", got, want)
	}
	if got, want := cmd.Args[len(cmd.Args)-1], "hi"; got != want {
		t.Errorf("delegate arg = %q, want %q", got, want)
	}
	if len(cmd.ExtraFiles) != 1 {
		t.Fatalf("expected exactly one extra file (the readiness pipe), got %d", len(cmd.ExtraFiles))
	}
}

func TestWriteTraceUncompressed(t *testing.T) {
	var buf bytes.Buffer
	if err := writeTrace(&buf, false, []string{"a"}, []string{"b"}, nil); err != nil {
		t.Fatalf("writeTrace: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty trace output")
	}
}

func TestWriteTraceCompressed(t *testing.T) {
	var buf bytes.Buffer
	if err := writeTrace(&buf, true, []string{"a"}, []string{"b"}, nil); err != nil {
		t.Fatalf("writeTrace: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty compressed trace output")
	}
}
