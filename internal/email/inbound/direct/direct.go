// Package direct routes replies whose address names the application explicitly.
package direct

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medapply/replyrelay/internal/email/inbound/address"
	"github.com/medapply/replyrelay/internal/models"
	"github.com/medapply/replyrelay/internal/repository"
)

var (
	// ErrNotFound covers missing applications and ambiguous tokens alike.
	ErrNotFound = errors.New("application not found")
	// ErrTokenMismatch means the address token is not the application's token.
	ErrTokenMismatch = errors.New("reply token does not match application")
)

// Store is the subset of the application repository the router reads.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Application, error)
	ListByReplyToken(ctx context.Context, token string) ([]models.Application, error)
}

// Router resolves legacy, friendly and short addresses to one application.
type Router struct {
	store Store
}

// NewRouter builds a direct router.
func NewRouter(store Store) *Router {
	return &Router{store: store}
}

// Route returns the application the resolution points at. Ambiguity is never
// guessed away: it is reported as ErrNotFound.
func (r *Router) Route(ctx context.Context, res address.Resolution) (*models.Application, error) {
	if !res.IsExplicitReference() {
		return nil, fmt.Errorf("direct: %s address carries no application reference", res.Kind)
	}

	var (
		app *models.Application
		err error
	)
	if res.ApplicationID != "" {
		app, err = r.byID(ctx, res.ApplicationID)
	} else {
		app, err = r.byToken(ctx, res)
	}
	if err != nil {
		return nil, err
	}

	if stored := app.Token(); stored != "" && !strings.EqualFold(stored, res.ReplyToken) {
		return nil, fmt.Errorf("direct: application %s: %w", app.ID, ErrTokenMismatch)
	}
	return app, nil
}

func (r *Router) byID(ctx context.Context, id string) (*models.Application, error) {
	app, err := r.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("direct: application %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}
	return app, nil
}

func (r *Router) byToken(ctx context.Context, res address.Resolution) (*models.Application, error) {
	apps, err := r.store.ListByReplyToken(ctx, res.ReplyToken)
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}

	switch len(apps) {
	case 0:
		return nil, fmt.Errorf("direct: no application for token: %w", ErrNotFound)
	case 1:
		return &apps[0], nil
	}

	narrowed := disambiguate(apps, res)
	if len(narrowed) != 1 {
		return nil, fmt.Errorf("direct: %d applications share the token: %w", len(apps), ErrNotFound)
	}
	return &narrowed[0], nil
}

// disambiguate keeps the applications matching the short id when the
// address has one, otherwise those whose reply-to address contains the alias.
func disambiguate(apps []models.Application, res address.Resolution) []models.Application {
	var keep func(models.Application) bool
	switch {
	case res.AppShortID != "":
		prefix := strings.ToLower(res.AppShortID)
		keep = func(a models.Application) bool {
			return strings.HasPrefix(strings.ToLower(a.ID), prefix)
		}
	case res.Alias != "":
		alias := strings.ToLower(res.Alias)
		keep = func(a models.Application) bool {
			return strings.Contains(strings.ToLower(a.ReplyTo), alias)
		}
	default:
		return apps
	}

	var out []models.Application
	for _, a := range apps {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}
