// Package storage keeps attachments of relayed messages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no object exists at the path.
	ErrNotFound = errors.New("storage: object not found")
	// ErrForbidden is returned for paths outside the caller's scope.
	ErrForbidden = errors.New("storage: path outside allowed scope")
)

// Object is a stored attachment.
type Object struct {
	Path        string    `json:"path"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	CreatedTime time.Time `json:"created_time"`
	Data        []byte    `json:"-"`
}

// Store is the attachment storage collaborator.
type Store interface {
	Upload(ctx context.Context, path, contentType string, data []byte) (*Object, error)
	Download(ctx context.Context, path string) (*Object, error)
}
