package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/medapply/replyrelay/internal/models"
)

const applicationColumns = `
	a.id, a.user_id, a.job_id, a.recipient_email, a.reply_token,
	a.reply_to, a.subject, a.status, a.updated_at,
	j.title AS job_title, j.hospital_name AS hospital_name
FROM applications a
LEFT JOIN jobs j ON j.id = a.job_id`

// ApplicationRepository reads applications and records their reply status.
type ApplicationRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewApplicationRepository creates a new application repository.
func NewApplicationRepository(db *sqlx.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db, now: time.Now}
}

// GetByID returns the application with the given id or ErrNotFound.
func (r *ApplicationRepository) GetByID(ctx context.Context, id string) (*models.Application, error) {
	query := r.db.Rebind(`SELECT ` + applicationColumns + ` WHERE a.id = ?`)

	var app models.Application
	if err := r.db.GetContext(ctx, &app, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get application %s: %w", id, err)
	}
	return &app, nil
}

// ListByReplyToken returns every application carrying the token, compared
// case-insensitively because addresses arrive lowercased.
func (r *ApplicationRepository) ListByReplyToken(ctx context.Context, token string) ([]models.Application, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return nil, nil
	}
	query := r.db.Rebind(`SELECT ` + applicationColumns + `
		WHERE LOWER(a.reply_token) = ?
		ORDER BY a.updated_at DESC, a.id`)

	var apps []models.Application
	if err := r.db.SelectContext(ctx, &apps, query, token); err != nil {
		return nil, fmt.Errorf("list applications by reply token: %w", err)
	}
	return apps, nil
}

// ListOpenForUser returns the user's applications that can still receive
// replies, most recently updated first.
func (r *ApplicationRepository) ListOpenForUser(ctx context.Context, userID string) ([]models.Application, error) {
	query, args, err := sqlx.In(`SELECT `+applicationColumns+`
		WHERE a.user_id = ? AND a.status IN (?)
		ORDER BY a.updated_at DESC, a.id`, userID, models.OpenApplicationStatuses)
	if err != nil {
		return nil, fmt.Errorf("build open applications query: %w", err)
	}

	var apps []models.Application
	if err := r.db.SelectContext(ctx, &apps, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list open applications for user %s: %w", userID, err)
	}
	return apps, nil
}

// MarkReplied flips the application to replied inside the caller's transaction.
// Rewriting replied to replied is harmless for duplicate deliveries.
func (r *ApplicationRepository) MarkReplied(ctx context.Context, tx sqlx.ExecerContext, id string) error {
	query := r.db.Rebind(`UPDATE applications SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := tx.ExecContext(ctx, query, models.ApplicationReplied, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark application %s replied: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark application %s replied: %w", id, ErrNotFound)
	}
	return nil
}
