package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemStore keeps objects as files below a base directory, each with a
// JSON sidecar holding its metadata.
type FilesystemStore struct {
	basePath string
	now      func() time.Time
}

// NewFilesystemStore creates the base directory if needed.
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FilesystemStore{basePath: basePath, now: time.Now}, nil
}

// Upload writes data at path, replacing any previous object.
func (f *FilesystemStore) Upload(ctx context.Context, objectPath, contentType string, data []byte) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, clean, err := f.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	hash := sha256.Sum256(data)
	obj := &Object{
		Path:        clean,
		Filename:    path.Base(clean),
		ContentType: contentType,
		Size:        int64(len(data)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedTime: f.now().UTC(),
	}

	if err := os.WriteFile(full, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	meta, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(full+".meta", meta, 0o644); err != nil {
		os.Remove(full)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	obj.Data = data
	return obj, nil
}

// Download reads the object at path.
func (f *FilesystemStore) Download(ctx context.Context, objectPath string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, clean, err := f.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	obj := &Object{Path: clean, Filename: path.Base(clean)}
	if raw, err := os.ReadFile(full + ".meta"); err == nil {
		_ = json.Unmarshal(raw, obj)
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}
	obj.Path = clean
	obj.Size = int64(len(data))
	obj.Data = data
	return obj, nil
}

// resolve maps a slash separated object path to a file below basePath.
func (f *FilesystemStore) resolve(objectPath string) (string, string, error) {
	clean, err := cleanPath(objectPath)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(f.basePath, filepath.FromSlash(clean)), clean, nil
}

func cleanPath(objectPath string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(objectPath, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("storage: empty path")
	}
	clean := path.Clean("/" + p)[1:]
	if clean == "" || clean != strings.TrimPrefix(p, "/") || strings.HasSuffix(clean, ".meta") {
		return "", fmt.Errorf("%w: %q", ErrForbidden, objectPath)
	}
	return clean, nil
}
