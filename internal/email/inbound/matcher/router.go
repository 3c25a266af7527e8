// Package matcher decides which of a user's open applications an inbound
// reply belongs to when the recipient address does not say.
package matcher

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/medapply/replyrelay/internal/models"
)

// ApplicationSource lists a user's open applications, most recently updated first.
type ApplicationSource interface {
	ListOpenForUser(ctx context.Context, userID string) ([]models.Application, error)
}

// ThreadIndex finds the applications of a user's earlier messages by message id.
type ThreadIndex interface {
	ApplicationsByThreadIDs(ctx context.Context, userID string, ids []string) ([]string, error)
}

// Decision is the router's verdict. ApplicationID is set only when the
// confidence permits an automatic link.
type Decision struct {
	ApplicationID *string
	Confidence    models.MatchConfidence
	Signals       models.MatchSignals
	Scores        []Score
}

// Linked reports whether the decision links the reply to an application.
func (d Decision) Linked() bool {
	return d.ApplicationID != nil
}

// Router scores a single user's candidate applications.
type Router struct {
	apps    ApplicationSource
	threads ThreadIndex
	chain   *Chain
	logger  *log.Logger
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithChain replaces the default signal sources.
func WithChain(c *Chain) RouterOption {
	return func(r *Router) {
		if c != nil {
			r.chain = c
		}
	}
}

// WithRouterLogger sets the logger used for match diagnostics.
func WithRouterLogger(l *log.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter builds a smart router.
func NewRouter(apps ApplicationSource, threads ThreadIndex, opts ...RouterOption) *Router {
	r := &Router{apps: apps, threads: threads, chain: DefaultChain()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Match scores ev against the open applications of ev.UserID. Only that
// user's applications are ever considered.
func (r *Router) Match(ctx context.Context, ev Evidence) (Decision, error) {
	if strings.TrimSpace(ev.UserID) == "" {
		return Decision{}, fmt.Errorf("matcher: user id is required")
	}
	candidates, err := r.apps.ListOpenForUser(ctx, ev.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("matcher: load candidates: %w", err)
	}
	if d, ok, err := r.matchThread(ctx, ev); err != nil || ok {
		return d, err
	}
	if len(candidates) == 0 {
		return Decision{Confidence: models.ConfidenceNone}, nil
	}

	signals, err := r.chain.Run(ctx, newInput(ev, candidates))
	if err != nil {
		return Decision{}, fmt.Errorf("matcher: collect signals: %w", err)
	}
	scores := Aggregate(signals)
	best, second := topTwo(scores)

	d := Decision{
		Confidence: Classify(best, second),
		Signals:    signals,
		Scores:     scores,
	}
	if d.Confidence.Links() && len(scores) > 0 {
		id := scores[0].ApplicationID
		d.ApplicationID = &id
	}
	r.logf("matcher: user %s best=%d second=%d confidence=%s", ev.UserID, best, second, d.Confidence)
	return d, nil
}

// matchThread links immediately when a threading header names a message
// recorded against one of the user's applications, whatever its status.
func (r *Router) matchThread(ctx context.Context, ev Evidence) (Decision, bool, error) {
	if r.threads == nil {
		return Decision{}, false, nil
	}
	ids := ThreadIDs(ev.InReplyTo, ev.References)
	if len(ids) == 0 {
		return Decision{}, false, nil
	}
	found, err := r.threads.ApplicationsByThreadIDs(ctx, ev.UserID, ids)
	if err != nil {
		return Decision{}, false, fmt.Errorf("matcher: thread lookup: %w", err)
	}

	for _, appID := range found {
		if appID == "" {
			continue
		}
		id := appID
		r.logf("matcher: user %s thread header names application %s", ev.UserID, id)
		return Decision{
			ApplicationID: &id,
			Confidence:    models.ConfidenceHigh,
			Signals: models.MatchSignals{{
				Type:                 models.SignalHeaderMatch,
				Weight:               WeightHeaderMatch,
				MatchedApplicationID: id,
			}},
			Scores: []Score{{ApplicationID: id, Total: WeightHeaderMatch}},
		}, true, nil
	}
	return Decision{}, false, nil
}

func (r *Router) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
