package consistency

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const hashChunk = 64 << 10

// FileHasher checksums content items stored as files beneath Root. Item ids
// are slash-separated paths relative to Root.
type FileHasher struct {
	Root string
}

// NewFileHasher returns a hasher rooted at root.
func NewFileHasher(root string) *FileHasher {
	return &FileHasher{Root: root}
}

// Checksum implements Hasher. The read checks ctx between chunks so a gather
// deadline interrupts large files.
func (h *FileHasher) Checksum(ctx context.Context, id string) (Checksum, error) {
	path, err := h.resolve(id)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	digest := xxhash.New()
	buf := make([]byte, hashChunk)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, readErr := file.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, readErr
		}
	}
	return Checksum(digest.Sum64()), nil
}

func (h *FileHasher) resolve(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty content id")
	}
	clean := filepath.Clean(filepath.FromSlash(id))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("content id %q escapes root", id)
	}
	return filepath.Join(h.Root, clean), nil
}
