package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Disk stores attachment blobs under a local directory. Uploads must
// complete here before the attachment dispatch path runs, so the ref handed
// to the engine always points at durable bytes.
type Disk struct {
	dir string
}

func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir %s: %w", dir, err)
	}
	return &Disk{dir: dir}, nil
}

// Save writes the blob and returns its serving ref (a /uploads/ path).
func (d *Disk) Save(r io.Reader, origName string) (string, error) {
	name := uuid.NewString() + sanitizeExt(origName)
	path := filepath.Join(d.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create attachment file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return "/uploads/" + name, nil
}

// Dir returns the backing directory, for the file-serving handler.
func (d *Disk) Dir() string {
	return d.dir
}

func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return ext
	default:
		return ""
	}
}
