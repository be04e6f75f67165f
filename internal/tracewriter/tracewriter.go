// Package tracewriter serializes a drained pathset.Set to the
// line-oriented trace log format: symlinks first, then reads, then
// writes, one path per line, tagged by a single-letter, tab-separated
// prefix. No escaping is performed; paths containing tabs or newlines
// produce ambiguous log lines, which is accepted since such paths are
// not expected to appear in build trees.
package tracewriter

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Write drains nothing itself — it takes already-drained slices and
// emits the three blocks in L, R, W order. Order within a block is
// whatever order the caller passed, matching the "set iteration is
// unspecified" contract upstream in pathset.Set.
func Write(w io.Writer, reads, writes, symlinks []string) error {
	bw := bufio.NewWriter(w)

	if err := writeBlock(bw, "L", symlinks); err != nil {
		return fmt.Errorf("write symlinks: %w", err)
	}
	if err := writeBlock(bw, "R", reads); err != nil {
		return fmt.Errorf("write reads: %w", err)
	}
	if err := writeBlock(bw, "W", writes); err != nil {
		return fmt.Errorf("write writes: %w", err)
	}

	return bw.Flush()
}

func writeBlock(w *bufio.Writer, tag string, paths []string) error {
	for _, path := range paths {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", tag, path); err != nil {
			return err
		}
	}
	return nil
}

// NewCompressedWriter wraps w with a zstd encoder for the optional
// -compress flag. The trace format written through the returned writer
// is unchanged; only the on-disk bytes are compressed. Callers must
// Close the returned writer to flush the zstd frame trailer.
func NewCompressedWriter(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return enc, nil
}
