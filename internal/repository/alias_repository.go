package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/medapply/replyrelay/internal/models"
)

// AliasRepository reads relay aliases and the profile fields that predate them.
type AliasRepository struct {
	db *sqlx.DB
}

// NewAliasRepository creates a new alias repository.
func NewAliasRepository(db *sqlx.DB) *AliasRepository {
	return &AliasRepository{db: db}
}

// FindActiveByAddress returns the active alias provisioned for the full address.
func (r *AliasRepository) FindActiveByAddress(ctx context.Context, address string) (*models.Alias, error) {
	query := r.db.Rebind(`
		SELECT id, user_id, full_address, is_active
		FROM email_aliases
		WHERE LOWER(full_address) = ? AND is_active = ?`)

	var alias models.Alias
	if err := r.db.GetContext(ctx, &alias, query, strings.ToLower(strings.TrimSpace(address)), true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find alias %s: %w", address, err)
	}
	return &alias, nil
}

// FindActiveByLocalPart returns active aliases whose local part equals alias
// under any domain.
func (r *AliasRepository) FindActiveByLocalPart(ctx context.Context, alias string) ([]models.Alias, error) {
	local := strings.ToLower(strings.TrimSpace(alias))
	if local == "" {
		return nil, nil
	}
	query := r.db.Rebind(`
		SELECT id, user_id, full_address, is_active
		FROM email_aliases
		WHERE LOWER(full_address) LIKE ? AND is_active = ?`)

	var rows []models.Alias
	if err := r.db.SelectContext(ctx, &rows, query, local+"@%", true); err != nil {
		return nil, fmt.Errorf("find aliases for %s: %w", alias, err)
	}
	// LIKE treats "_" as a wildcard; keep exact local-part matches only.
	out := rows[:0]
	for _, row := range rows {
		if models.LocalPartOf(row.FullAddress) == local {
			out = append(out, row)
		}
	}
	return out, nil
}

const profileColumns = `
	u.id AS user_id, COALESCE(p.full_name, '') AS full_name, p.email, p.email_alias,
	u.auth_email
FROM users u
LEFT JOIN profiles p ON p.user_id = u.id`

// FindProfilesByEmailAlias returns profiles whose legacy email_alias column equals alias.
func (r *AliasRepository) FindProfilesByEmailAlias(ctx context.Context, alias string) ([]models.Profile, error) {
	query := r.db.Rebind(`SELECT ` + profileColumns + ` WHERE LOWER(p.email_alias) = ?`)

	var profiles []models.Profile
	if err := r.db.SelectContext(ctx, &profiles, query, strings.ToLower(strings.TrimSpace(alias))); err != nil {
		return nil, fmt.Errorf("find profiles by email alias %s: %w", alias, err)
	}
	return profiles, nil
}

// FindProfilesByPersonalLocalPart returns profiles whose personal email has
// the given local part.
func (r *AliasRepository) FindProfilesByPersonalLocalPart(ctx context.Context, local string) ([]models.Profile, error) {
	local = strings.ToLower(strings.TrimSpace(local))
	if local == "" {
		return nil, nil
	}
	query := r.db.Rebind(`SELECT ` + profileColumns + ` WHERE LOWER(p.email) LIKE ?`)

	var profiles []models.Profile
	if err := r.db.SelectContext(ctx, &profiles, query, local+"@%"); err != nil {
		return nil, fmt.Errorf("find profiles by personal email %s: %w", local, err)
	}
	out := profiles[:0]
	for _, p := range profiles {
		if p.Email != nil && models.LocalPartOf(*p.Email) == local {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetProfile returns the forwarding profile of a user or ErrNotFound.
func (r *AliasRepository) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query := r.db.Rebind(`SELECT ` + profileColumns + ` WHERE u.id = ?`)

	var profile models.Profile
	if err := r.db.GetContext(ctx, &profile, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return &profile, nil
}
