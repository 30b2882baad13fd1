package ckpt

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressingWriter wraps w so Write's output is zstd-compressed as it
// goes. Heavy-VMA payloads dominate checkpoint size and compress well
// (mostly sparse/zero pages and repeated code pages). internal/restart
// recognizes a file written this way by its zstd magic and decompresses
// it; internal/daemon's checkpoint staging writes raw and does not use it.
// Callers must Close the returned writer to flush the final frame.
func CompressingWriter(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w)
}

// DecompressingReader is the Read-side counterpart of CompressingWriter.
// Callers must Close it once done to release decoder resources.
func DecompressingReader(r io.Reader) (*zstd.Decoder, error) {
	return zstd.NewReader(r)
}
