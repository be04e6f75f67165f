// Package orchestrator drives one fstrace invocation: it mounts the
// tracing filesystem, spawns the delegate command so that it cannot
// begin work until the mount is live, waits for the delegate to
// terminate, and unmounts.
//
// Go cannot fork() a multi-threaded runtime and safely keep running Go
// code in the child before exec, so the readiness handshake the
// original C implementation built from fork+pause+SIGUSR2 is
// re-expressed with a blocking pipe read in a small shell wrapper
// around the delegate: the delegate process exists (and so can be
// waited on) before the mount is live, but executes nothing of its own
// until the parent closes the write end of the pipe.
package orchestrator

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alessio/shellescape"
	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/introtools/fstrace/internal/pathset"
	"github.com/introtools/fstrace/internal/tracefs"
	"github.com/introtools/fstrace/internal/tracewriter"
)

// readyGateScript blocks on a read from fd 3 (the readiness pipe),
// then changes into the mirrored invocation directory and execs the
// delegate in its place.
const readyGateScript = `read -r _ <&3; cd "$1" || exit 127; shift; exec "$@"`

// Config bundles the two paths spec.md requires plus the ambient
// flags cmd/fstrace exposes on top of them.
type Config struct {
	MountPoint string
	LogPath    string
	Compress   bool
}

// Run mounts the tracing filesystem rooted at "/", spawns delegate
// under it, waits for it to finish, unmounts, and writes the trace
// log. It returns the delegate's own exit code (0 on success) so the
// caller can propagate it, and a non-nil error only for orchestration
// failures that prevented the delegate from ever running to
// completion (mount setup, log-file creation, spawn failure).
func Run(delegate []string, cfg Config, logger *log.Logger) (exitCode int, err error) {
	if len(delegate) == 0 {
		return 0, fmt.Errorf("no delegate command given")
	}

	if err := os.MkdirAll(cfg.MountPoint, 0o755); err != nil {
		return 0, fmt.Errorf("create mount point %s: %w", cfg.MountPoint, err)
	}

	// Open the log destination eagerly so a filesystem error surfaces
	// before the mount goes live.
	logFile, err := os.Create(cfg.LogPath)
	if err != nil {
		return 0, fmt.Errorf("create log file %s: %w", cfg.LogPath, err)
	}
	defer logFile.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("getwd: %w", err)
	}
	mirroredCwd := filepath.Join(cfg.MountPoint, cwd)
	logger.Printf("delegate will start in %s", shellescape.Quote(mirroredCwd))

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create readiness pipe: %w", err)
	}

	cmd := buildDelegateCmd(delegate, mirroredCwd, readyR)
	if err := cmd.Start(); err != nil {
		readyR.Close()
		readyW.Close()
		return 0, fmt.Errorf("start delegate: %w", err)
	}
	// The child inherited its own copy of the read end; the parent's
	// copy must be closed so the child holds the only reference.
	readyR.Close()

	paths := pathset.New()
	root, err := tracefs.NewRoot("/", cfg.MountPoint, paths)
	if err != nil {
		readyW.Close()
		_ = cmd.Process.Kill()
		cmd.Wait()
		return 0, fmt.Errorf("build tracing filesystem: %w", err)
	}

	server, err := fusefs.Mount(cfg.MountPoint, root, &fusefs.Options{
		NullPermissions: true,
		MountOptions: fuse.MountOptions{
			FsName:            "/",
			Name:              "fstrace",
			AllowOther:        true,
			DirectMountStrict: true,
		},
	})
	if err != nil {
		readyW.Close()
		_ = cmd.Process.Kill()
		cmd.Wait()
		return 0, fmt.Errorf("mount %s: %w", cfg.MountPoint, err)
	}

	served := make(chan struct{})
	go func() {
		server.Wait()
		close(served)
	}()

	// The mount is live: release the delegate.
	if _, err := readyW.Write([]byte("\n")); err != nil {
		logger.Printf("warning: failed to signal delegate readiness: %v", err)
	}
	readyW.Close()

	exitCode, waitErr := waitForDelegate(cmd.Process.Pid)

	if err := unmount(cfg.MountPoint); err != nil {
		logger.Printf("warning: unmount failed: %v", err)
	}
	<-served

	reads, writes, symlinks := paths.Drain()
	if writeErr := writeTrace(logFile, cfg.Compress, reads, writes, symlinks); writeErr != nil {
		logger.Printf("warning: failed to write trace log: %v", writeErr)
	}

	if waitErr != nil {
		return exitCode, waitErr
	}
	return exitCode, nil
}

func buildDelegateCmd(delegate []string, mirroredCwd string, readyR *os.File) *exec.Cmd {
	args := append([]string{"sh", mirroredCwd}, delegate...)
	cmd := exec.Command("sh", append([]string{"-c", readyGateScript}, args...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readyR}
	return cmd
}

// waitForDelegate blocks until pid exits or is terminated by a signal,
// via a single blocking Wait4 call rather than a WNOHANG poll loop —
// this can never be confused by a transient EINTR and treats ECHILD as
// a fatal orchestration bug rather than spinning forever.
func waitForDelegate(pid int) (exitCode int, err error) {
	var ws unix.WaitStatus
	for {
		_, err = unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait for delegate pid %d: %w", pid, err)
		}
		break
	}

	switch {
	case ws.Exited():
		return ws.ExitStatus(), nil
	case ws.Signaled():
		return 128 + int(ws.Signal()), nil
	default:
		return 0, fmt.Errorf("delegate pid %d stopped in unexpected wait status %v", pid, ws)
	}
}

// unmount performs a lazy unmount via the fusermount helper, exactly
// as spec.md §4.3 step 7 and §6 require: existing open handles remain
// valid until closed, but the mount disappears from the namespace
// immediately, which matters because the delegate may have left
// descendants still holding descriptors into the mirror.
func unmount(mountPoint string) error {
	cmd := exec.Command("fusermount", "-uz", mountPoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fusermount -uz %s: %w (%s)", mountPoint, err, out)
	}
	return nil
}

func writeTrace(w io.Writer, compress bool, reads, writes, symlinks []string) error {
	if !compress {
		return tracewriter.Write(w, reads, writes, symlinks)
	}

	cw, err := tracewriter.NewCompressedWriter(w)
	if err != nil {
		return err
	}
	if err := tracewriter.Write(cw, reads, writes, symlinks); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}
