package cache

import (
	"bytes"
	"io"
	"os"

	"github.com/leeineian/cadenza/internal/failure"
)

const (
	// MinFileSize is the smallest file accepted as a real container.
	MinFileSize = 512

	minHeaderWindow = 64
	maxHeaderWindow = 4096
)

// Signatures are the container magics accepted by the validator and the
// tail reader's header gate.
var Signatures = [][]byte{
	[]byte("OggS"),
	{0x1A, 0x45, 0xDF, 0xA3}, // EBML (webm/matroska)
}

// Validate checks that path is large enough and carries a container
// signature within its header window. Failures wrap failure.ErrIntegrity.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return failure.Wrap(failure.ErrIntegrity, err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return failure.Wrap(failure.ErrIntegrity, err, "stat %s", path)
	}
	size := info.Size()
	if size < MinFileSize {
		return failure.Wrap(failure.ErrIntegrity, nil, "%s is %d bytes, below %d", path, size, MinFileSize)
	}

	buf := make([]byte, headerWindow(size))
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return failure.Wrap(failure.ErrIntegrity, err, "read header of %s", path)
	}
	if !containsSignature(buf[:n]) {
		return failure.Wrap(failure.ErrIntegrity, nil, "no container signature in first %d bytes of %s", n, path)
	}
	return nil
}

// IsValid is Validate as a predicate.
func IsValid(path string) bool {
	return Validate(path) == nil
}

func headerWindow(size int64) int64 {
	return min(maxHeaderWindow, max(minHeaderWindow, size))
}

func containsSignature(b []byte) bool {
	for _, sig := range Signatures {
		if bytes.Contains(b, sig) {
			return true
		}
	}
	return false
}

// hasHeaderAt0 reports whether b starts with a known signature.
func hasHeaderAt0(b []byte) bool {
	for _, sig := range Signatures {
		if bytes.HasPrefix(b, sig) {
			return true
		}
	}
	return false
}

// PartReady reports whether the in-progress file at path holds at least
// minSize bytes and starts with a container signature.
func PartReady(path string, minSize int64) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() < max(minSize, 4) {
		return false
	}
	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return hasHeaderAt0(head)
}
