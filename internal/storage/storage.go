package storage

import (
	"errors"
	"os"
	"path/filepath"
)

// Document is a single durable JSON blob, written wholesale on every save.
// The stats and trace stores each own one document. Implementations are not
// safe for concurrent use; the owning store serializes access.
type Document interface {
	// Load returns the stored bytes, or (nil, nil) when nothing was stored yet.
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileDocument persists a document as a file on disk.
type FileDocument struct {
	Path string
}

func NewFileDocument(path string) *FileDocument {
	return &FileDocument{Path: path}
}

func (d *FileDocument) Load() ([]byte, error) {
	data, err := os.ReadFile(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *FileDocument) Save(data []byte) error {
	if dir := filepath.Dir(d.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(d.Path, data, 0o644)
}
