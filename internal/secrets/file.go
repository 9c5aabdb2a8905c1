package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

// FileProvider reads the master key from a local file. Trailing newlines
// are stripped so keys written with an editor behave like raw keys.
type FileProvider struct {
	path string
}

// NewFileProvider creates a file provider for the given path.
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrProviderNotConfigured)
	}
	return &FileProvider{path: path}, nil
}

// Type returns the provider type.
func (p *FileProvider) Type() ProviderType {
	return ProviderTypeFile
}

// MasterKey returns the file's contents.
func (p *FileProvider) MasterKey(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, p.path)
		}
		return nil, fmt.Errorf("read master key file %s: %w", p.path, err)
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrKeyNotFound, p.path)
	}
	return data, nil
}
