// Package directory maps a bare relay alias to the user who owns it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/medapply/replyrelay/internal/models"
	"github.com/medapply/replyrelay/internal/repository"
)

// ErrAliasNotFound is returned when no user owns the alias.
var ErrAliasNotFound = errors.New("alias not found")

// Store is the subset of the alias repository the directory reads.
type Store interface {
	FindActiveByAddress(ctx context.Context, address string) (*models.Alias, error)
	FindActiveByLocalPart(ctx context.Context, alias string) ([]models.Alias, error)
	FindProfilesByEmailAlias(ctx context.Context, alias string) ([]models.Profile, error)
	FindProfilesByPersonalLocalPart(ctx context.Context, local string) ([]models.Profile, error)
}

// Directory resolves aliases using every provisioning scheme still in use.
type Directory struct {
	store  Store
	logger *log.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger used for fallback diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(d *Directory) {
		d.logger = l
	}
}

// New builds a directory over store.
func New(store Store, opts ...Option) *Directory {
	d := &Directory{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Resolve returns the user id owning alias. fullAddress is the recipient
// address the alias was taken from. Lookups run in order: active alias row,
// the profile email_alias column, then a personal email with the same local
// part when exactly one user has it.
func (d *Directory) Resolve(ctx context.Context, alias, fullAddress string) (string, error) {
	if d == nil || d.store == nil {
		return "", fmt.Errorf("directory: no store configured")
	}
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return "", ErrAliasNotFound
	}

	if fullAddress != "" {
		row, err := d.store.FindActiveByAddress(ctx, fullAddress)
		switch {
		case err == nil:
			return row.UserID, nil
		case !errors.Is(err, repository.ErrNotFound):
			return "", fmt.Errorf("directory: alias address lookup: %w", err)
		}
	}

	rows, err := d.store.FindActiveByLocalPart(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("directory: alias lookup: %w", err)
	}
	if userID, ok := singleUser(aliasOwners(rows)); ok {
		return userID, nil
	}
	if len(rows) > 0 {
		d.logf("directory: alias %q is active for several users, trying profile fallbacks", alias)
	}

	profiles, err := d.store.FindProfilesByEmailAlias(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("directory: profile alias lookup: %w", err)
	}
	if userID, ok := singleUser(profileOwners(profiles)); ok {
		return userID, nil
	}

	profiles, err = d.store.FindProfilesByPersonalLocalPart(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("directory: personal email lookup: %w", err)
	}
	if userID, ok := singleUser(profileOwners(profiles)); ok {
		d.logf("directory: alias %q resolved through personal email local part", alias)
		return userID, nil
	}
	if len(profiles) > 1 {
		d.logf("directory: alias %q matches %d personal emails, refusing to guess", alias, len(profiles))
	}
	return "", ErrAliasNotFound
}

func aliasOwners(rows []models.Alias) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids
}

func profileOwners(profiles []models.Profile) []string {
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.UserID)
	}
	return ids
}

// singleUser reports the user id when every entry names the same user.
func singleUser(ids []string) (string, bool) {
	if len(ids) == 0 {
		return "", false
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			return "", false
		}
	}
	return ids[0], ids[0] != ""
}

func (d *Directory) logf(format string, args ...any) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
