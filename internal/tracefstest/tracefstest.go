// Package tracefstest provides shared test scaffolding for exercising
// a real FUSE mount in tests without requiring the test binary to run
// as root: it re-execs the current test binary inside a fresh user and
// mount namespace, where an unprivileged process is permitted to call
// mount(2) for FUSE.
package tracefstest

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const rerunEnvName = "FSTRACE_TEST_RERUN"

// EnterNamespaceAndRun is meant to be called from a package's TestMain.
// On first invocation it re-execs the test binary inside a new user and
// mount namespace and exits with the child's exit code; on the
// re-executed invocation it calls run (typically m.Run) and exits with
// its result. It never returns.
func EnterNamespaceAndRun(run func() int) {
	if os.Getenv(rerunEnvName) != "" {
		os.Exit(run())
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracefstest: locate executable: %v\n", err)
		os.Exit(1)
	}

	cmd := exec.Command(exe)
	cmd.Args = os.Args
	cmd.Env = append(os.Environ(), rerunEnvName+"=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{HostID: os.Getuid(), ContainerID: 0, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{HostID: os.Getgid(), ContainerID: 0, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	switch err := cmd.Run().(type) {
	case nil:
		os.Exit(0)
	case *exec.ExitError:
		os.Exit(err.ExitCode())
	default:
		fmt.Fprintf(os.Stderr, "tracefstest: re-exec failed: %v\n", err)
		os.Exit(1)
	}
}

// SkipUnlessFUSE reports whether /dev/fuse is present and usable, so
// tests can call t.Skip when it is not (e.g. containers without the
// fuse device).
func SkipUnlessFUSE() bool {
	f, err := os.OpenFile("/dev/fuse", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
