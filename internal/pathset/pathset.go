// Package pathset accumulates the sets of paths observed by the tracer's
// FUSE personality: which paths were opened for reading, which for
// writing, and which were traversed as symlinks.
package pathset

import "sync"

// Set holds three independent collections of absolute path strings; the
// same path may appear in more than one of them (for example, a path
// opened once for reading and once for writing is in both reads and
// writes). Inserting the same path more than once into the same
// collection has no additional effect. A single instance is created per
// invocation and shared by every FUSE callback goroutine serving the
// mount; all methods are safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	reads    map[string]struct{}
	writes   map[string]struct{}
	symlinks map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		reads:    make(map[string]struct{}),
		writes:   make(map[string]struct{}),
		symlinks: make(map[string]struct{}),
	}
}

// NoteRead records path as having been opened for reading.
func (s *Set) NoteRead(path string) {
	s.mu.Lock()
	s.reads[path] = struct{}{}
	s.mu.Unlock()
}

// NoteWrite records path as having been opened for writing.
func (s *Set) NoteWrite(path string) {
	s.mu.Lock()
	s.writes[path] = struct{}{}
	s.mu.Unlock()
}

// NoteSymlink records path as a symlink whose target was read via
// readlink.
func (s *Set) NoteSymlink(path string) {
	s.mu.Lock()
	s.symlinks[path] = struct{}{}
	s.mu.Unlock()
}

// Drain returns the accumulated reads, writes, and symlinks and resets
// the Set to empty. Order within each slice is unspecified. Drain is
// meant to be called exactly once, at unmount.
func (s *Set) Drain() (reads, writes, symlinks []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reads = keys(s.reads)
	writes = keys(s.writes)
	symlinks = keys(s.symlinks)

	s.reads = make(map[string]struct{})
	s.writes = make(map[string]struct{})
	s.symlinks = make(map[string]struct{})

	return reads, writes, symlinks
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
