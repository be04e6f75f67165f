// Package tracefs implements the pass-through FUSE personality: a
// mirror of a host directory tree that classifies every open, create,
// and readlink into a shared pathset.Set while forwarding every other
// operation to the host filesystem unchanged.
//
// Node embeds go-fuse's LoopbackNode, which already implements the
// "pure proxying" half of the callback set spec.md describes (getattr,
// setattr, mkdir, unlink, rmdir, symlink, rename, link, statfs, flush,
// release, fsync, xattrs, locks, read, write) by forwarding directly to
// the equivalent host syscalls. Node overrides only the three
// access-classifying operations.
package tracefs

import (
	"context"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/introtools/fstrace/internal/pathset"
)

// maxReadlinkLen bounds the rewritten symlink target the kernel will
// accept in a single READLINK reply. go-fuse does not expose the
// negotiated buffer size to Readlink implementations, so the classic
// PATH_MAX is used, matching the C original's reliance on the caller's
// buffer being sized to PATH_MAX.
const maxReadlinkLen = 4096

// Node is the tracing FUSE personality. Every node in the mounted tree
// (root and descendants alike) is a *Node.
type Node struct {
	fs.LoopbackNode

	mountPoint string
	paths      *pathset.Set
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeReadlinker = (*Node)(nil)

// NewRoot builds the root Node for a mirror of hostDir, mounted at
// mountPoint, recording accesses into paths.
func NewRoot(hostDir, mountPoint string, paths *pathset.Set) (fs.InodeEmbedder, error) {
	hostDir, err := filepath.Abs(hostDir)
	if err != nil {
		return nil, err
	}

	var st syscall.Stat_t
	if err := syscall.Stat(hostDir, &st); err != nil {
		return nil, err
	}

	root := &fs.LoopbackRoot{
		Path: hostDir,
		Dev:  uint64(st.Dev),
		NewNode: func(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
			parentNode, _ := parent.Operations().(*Node)
			n := &Node{
				LoopbackNode: fs.LoopbackNode{RootData: rootData},
				mountPoint:   mountPoint,
				paths:        paths,
			}
			if parentNode != nil {
				n.paths = parentNode.paths
				n.mountPoint = parentNode.mountPoint
			}
			return n
		},
	}

	return &Node{
		LoopbackNode: fs.LoopbackNode{RootData: root},
		mountPoint:   mountPoint,
		paths:        paths,
	}, nil
}

// hostPath returns the absolute host-side path this node mirrors.
func (n *Node) hostPath() string {
	return filepath.Join(n.RootData.Path, n.Path(nil))
}

// Open forwards to the embedded loopback implementation, then records
// the node's host path as a read or a write depending on the flags,
// per spec.md's classification rule: write iff O_WRONLY, O_RDWR,
// O_CREAT, or O_TRUNC is set.
func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	fh, fuseFlags, errno = n.LoopbackNode.Open(ctx, flags)
	if errno != 0 {
		return fh, fuseFlags, errno
	}

	n.classify(n.hostPath(), flags)
	return fh, fuseFlags, errno
}

// Create forwards to the embedded loopback implementation, then
// unconditionally records the new child's host path as a write.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	node, fh, fuseFlags, errno = n.LoopbackNode.Create(ctx, name, flags, mode, out)
	if errno != 0 {
		return node, fh, fuseFlags, errno
	}

	n.notePath(filepath.Join(n.hostPath(), name), true)
	return node, fh, fuseFlags, errno
}

// Readlink records the node's host path in the symlink set, then
// rewrites the raw target so an absolute target "/x" becomes
// "<mountPoint>/x" and a relative target resolves under
// "<mountPoint>/<dirname(path)>/". If the rewritten target does not
// fit in the kernel's reply buffer, it fails with ENAMETOOLONG — the
// path is still recorded as a symlink observation regardless.
func (n *Node) Readlink(ctx context.Context) (target []byte, errno syscall.Errno) {
	hostPath := n.hostPath()
	n.notePathSymlink(hostPath)

	raw, errno := n.LoopbackNode.Readlink(ctx)
	if errno != 0 {
		return raw, errno
	}

	redirected := resolveRedirect(n.mountPoint, hostPath, string(raw))
	if len(redirected) >= maxReadlinkLen {
		return nil, syscall.ENAMETOOLONG
	}
	return []byte(redirected), 0
}

// resolveRedirect implements spec.md §4.2's readlink rewrite: an
// absolute target is rooted under mountPoint; a relative target is
// resolved under mountPoint/dirname(path).
func resolveRedirect(mountPoint, path, rawTarget string) string {
	if strings.HasPrefix(rawTarget, "/") {
		return mountPoint + rawTarget
	}
	return mountPoint + filepath.Dir(path) + "/" + rawTarget
}

func (n *Node) classify(path string, flags uint32) {
	const writeFlags = syscall.O_WRONLY | syscall.O_RDWR | syscall.O_CREAT | syscall.O_TRUNC
	n.notePath(path, int(flags)&writeFlags != 0)
}

// notePath and notePathSymlink recover from any panic inside the
// bookkeeping call so that a defect in the aggregator can never
// surface as a fault in the FUSE callback that already succeeded
// against the host filesystem.
func (n *Node) notePath(path string, isWrite bool) {
	defer func() { recover() }() //nolint:errcheck
	if isWrite {
		n.paths.NoteWrite(path)
	} else {
		n.paths.NoteRead(path)
	}
}

func (n *Node) notePathSymlink(path string) {
	defer func() { recover() }() //nolint:errcheck
	n.paths.NoteSymlink(path)
}
