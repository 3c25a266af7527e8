package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/medapply/replyrelay/internal/models"
)

// MessageRepository stores relayed messages. Rows are append-only.
type MessageRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db, now: time.Now}
}

// InsertInbound writes an inbound message inside the caller's transaction.
func (r *MessageRepository) InsertInbound(ctx context.Context, tx sqlx.ExecerContext, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("insert inbound message: message is nil")
	}
	msg.Direction = models.DirectionInbound
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO application_messages (
			id, application_id, user_id, direction, sender, recipient, subject,
			message_id, provider_message_id, text_body, html_body, headers,
			match_confidence, match_signals, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := tx.ExecContext(ctx, query,
		msg.ID,
		msg.ApplicationID,
		msg.UserID,
		msg.Direction,
		msg.Sender,
		msg.Recipient,
		msg.Subject,
		msg.MessageID,
		msg.ProviderMessageID,
		msg.TextBody,
		msg.HTMLBody,
		msg.Headers,
		msg.MatchConfidence,
		msg.MatchSignals,
		msg.Payload,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert inbound message %s: %w", msg.MessageID, err)
	}
	return nil
}

// ExistsInbound reports whether the user already has an inbound message with this Message-ID.
func (r *MessageRepository) ExistsInbound(ctx context.Context, userID, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return false, nil
	}
	query := r.db.Rebind(`
		SELECT COUNT(*) FROM application_messages
		WHERE user_id = ? AND direction = ? AND message_id = ?`)

	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, models.DirectionInbound, messageID); err != nil {
		return false, fmt.Errorf("check inbound message %s: %w", messageID, err)
	}
	return count > 0, nil
}

// ApplicationsByThreadIDs returns the applications of the user's linked
// messages whose message_id or provider_message_id is among ids, newest
// first. Stored ids may or may not carry angle brackets, so both forms match.
func (r *MessageRepository) ApplicationsByThreadIDs(ctx context.Context, userID string, ids []string) ([]string, error) {
	forms := threadIDForms(ids)
	if len(forms) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT application_id FROM application_messages
		WHERE user_id = ? AND application_id IS NOT NULL
		  AND (message_id IN (?) OR provider_message_id IN (?))
		ORDER BY created_at DESC`, userID, forms, forms)
	if err != nil {
		return nil, fmt.Errorf("build thread lookup query: %w", err)
	}

	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("look up thread ids: %w", err)
	}

	seen := make(map[string]struct{}, len(found))
	out := found[:0]
	for _, id := range found {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func threadIDForms(ids []string) []string {
	var forms []string
	seen := make(map[string]struct{}, len(ids)*2)
	for _, id := range ids {
		bare := strings.Trim(strings.TrimSpace(id), "<>")
		if bare == "" {
			continue
		}
		for _, form := range []string{bare, "<" + bare + ">"} {
			if _, ok := seen[form]; ok {
				continue
			}
			seen[form] = struct{}{}
			forms = append(forms, form)
		}
	}
	return forms
}
