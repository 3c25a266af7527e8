package storage

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// UnlinkedSegment replaces the application id for messages without one.
const UnlinkedSegment = "unlinked"

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._\-]+`)

// ScopedPath builds "<user>/<application|unlinked>/<messageKey>/<filename>".
func ScopedPath(userID, applicationID, messageKey, filename string) string {
	app := strings.TrimSpace(applicationID)
	if app == "" {
		app = UnlinkedSegment
	}
	return path.Join(segment(userID), segment(app), segment(messageKey), SafeFilename(filename))
}

// SafeFilename reduces a client supplied filename to a single safe segment.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return "attachment"
	}
	return name
}

func segment(s string) string {
	s = unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

// ScopedStore restricts downloads to objects under one user's prefix.
type ScopedStore struct {
	store  Store
	prefix string
}

// ForUser scopes store to userID.
func ForUser(store Store, userID string) *ScopedStore {
	return &ScopedStore{store: store, prefix: segment(userID) + "/"}
}

// Upload stores data; the path must lie under the user's prefix.
func (s *ScopedStore) Upload(ctx context.Context, objectPath, contentType string, data []byte) (*Object, error) {
	clean, err := s.check(objectPath)
	if err != nil {
		return nil, err
	}
	return s.store.Upload(ctx, clean, contentType, data)
}

// Download reads the object when its path lies under the user's prefix.
func (s *ScopedStore) Download(ctx context.Context, objectPath string) (*Object, error) {
	clean, err := s.check(objectPath)
	if err != nil {
		return nil, err
	}
	return s.store.Download(ctx, clean)
}

func (s *ScopedStore) check(objectPath string) (string, error) {
	clean, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(clean, s.prefix) {
		return "", fmt.Errorf("%w: %q", ErrForbidden, objectPath)
	}
	return clean, nil
}
