// Package restart implements the restart-time entry point that recognizes
// a checkpoint stream during exec and drives internal/ckpt's read-and-
// restore protocol to rehydrate the process image. It is grounded on
// _examples/original_source/src/tcmi/ckpt/tcmi_ckptcom.c's read-and-
// restore entry point, expressed here via ckpt.Decode/ckpt.Restore and
// golang.org/x/sys/unix-backed primitives rather than a kernel module.
package restart

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/clondike-go/clondike/internal/ckpt"
	"github.com/clondike-go/clondike/internal/clonerr"
	"github.com/clondike-go/clondike/internal/mlog"
)

// zstdMagic is the little-endian zstd frame magic number; a checkpoint
// file written through ckpt.CompressingWriter begins with these four
// bytes instead of ckpt.Magic.
var zstdMagic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// Handler performs the restart-time read-and-restore for both PPM and NPM
// checkpoints, against a concrete ckpt.Platform.
type Handler struct {
	Platform ckpt.Platform
}

// New returns a Handler bound to p.
func New(p ckpt.Platform) *Handler {
	return &Handler{Platform: p}
}

// Bind returns the function task.SetRestartHandler expects: a closure
// over this Handler's Platform, so every shadow/guest task's scheduled
// execve runs through the same restart logic.
func (h *Handler) Bind() func(path string) error {
	return h.Restore
}

// Restore opens path, transparently decompressing it if it was written
// with ckpt.CompressingWriter, decodes the checkpoint image, and drives
// ckpt.Restore to replay it — flushing the caller's current image and
// ending with a jump to the restored register file (or, for NPM, an exec
// of the recorded program) per spec.md §4.1's contract.
func (h *Handler) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return clonerr.Wrap(clonerr.NotFound, err, "opening checkpoint %s", path)
	}
	defer f.Close()

	r, closer, err := decodingReader(f)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	img, err := ckpt.Decode(r)
	if err != nil {
		mlog.Error("restart: decoding checkpoint %s: %v", path, err)
		return err
	}

	mlog.Info("restart: restoring %s (npm=%v)", path, img.Header.IsNPM)
	if err := ckpt.Restore(img, h.Platform); err != nil {
		mlog.Error("restart: restoring %s: %v", path, err)
		return err
	}
	return nil
}

// decodingReader peeks the first four bytes of f to detect a zstd frame
// and, if present, wraps f in a ckpt.DecompressingReader; otherwise it
// returns f's own buffered reader unchanged. The returned io.Closer is
// non-nil only when a decompressor was created and must be closed.
func decodingReader(f *os.File) (io.Reader, io.Closer, error) {
	br := bufio.NewReader(f)

	peek, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("restart: peeking checkpoint header: %w", err)
	}

	if len(peek) == 4 && [4]byte{peek[0], peek[1], peek[2], peek[3]} == zstdMagic {
		zr, err := ckpt.DecompressingReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("restart: opening zstd stream: %w", err)
		}
		rc := zr.IOReadCloser()
		return rc, rc, nil
	}

	return br, nil, nil
}
