package matcher

import (
	"context"
	"strings"

	"github.com/medapply/replyrelay/internal/email/inbound/address"
	"github.com/medapply/replyrelay/internal/models"
)

// Signal weights.
const (
	WeightHeaderMatch    = 100
	WeightSenderExact    = 80
	WeightSenderDomain   = 40
	WeightSubjectKeyword = 30
	WeightMostRecent     = 20
	WeightSecondRecent   = 10
)

// Evidence is what an inbound reply offers for matching.
type Evidence struct {
	UserID     string
	Sender     string
	Subject    string
	InReplyTo  string
	References string
}

// Input is handed to every Signaler. Candidates are ordered most recently
// updated first; Signals holds what earlier sources produced and must not be
// modified.
type Input struct {
	Evidence   Evidence
	Candidates []models.Application
	Signals    models.MatchSignals

	sender       string
	senderDomain string
	subject      string
}

func newInput(ev Evidence, candidates []models.Application) *Input {
	sender, err := address.ExtractEmail(ev.Sender)
	if err != nil {
		sender = strings.ToLower(strings.TrimSpace(ev.Sender))
	}
	return &Input{
		Evidence:     ev,
		Candidates:   candidates,
		sender:       sender,
		senderDomain: models.DomainOf(sender),
		subject:      normalizeSubject(ev.Subject),
	}
}

// hasSignal reports whether an earlier source already credited appID with typ.
func (in *Input) hasSignal(appID string, typ models.SignalType) bool {
	for _, s := range in.Signals {
		if s.MatchedApplicationID == appID && s.Type == typ {
			return true
		}
	}
	return false
}

// Signaler is one source of scored evidence.
type Signaler interface {
	ID() string
	Collect(ctx context.Context, in *Input) (models.MatchSignals, error)
}

// Chain runs signal sources in order and concatenates their output.
type Chain struct {
	sources []Signaler
}

// NewChain builds a chain; nil sources are skipped.
func NewChain(sources ...Signaler) *Chain {
	c := &Chain{}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// DefaultChain returns the sender, subject and recency sources.
func DefaultChain() *Chain {
	return NewChain(SenderExact{}, SenderDomain{}, SubjectKeyword{}, Recency{})
}

// Run returns every signal produced by the chain.
func (c *Chain) Run(ctx context.Context, in *Input) (models.MatchSignals, error) {
	if c == nil || in == nil {
		return nil, nil
	}
	for _, source := range c.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		produced, err := source.Collect(ctx, in)
		if err != nil {
			return nil, err
		}
		in.Signals = append(in.Signals, produced...)
	}
	return in.Signals, nil
}

// SenderExact credits applications sent to exactly the replying mailbox.
type SenderExact struct{}

func (SenderExact) ID() string { return string(models.SignalSenderExact) }

func (SenderExact) Collect(_ context.Context, in *Input) (models.MatchSignals, error) {
	if in.sender == "" {
		return nil, nil
	}
	var out models.MatchSignals
	for _, app := range in.Candidates {
		if strings.EqualFold(strings.TrimSpace(app.RecipientEmail), in.sender) {
			out = append(out, models.MatchSignal{
				Type:                 models.SignalSenderExact,
				Weight:               WeightSenderExact,
				MatchedApplicationID: app.ID,
				Detail:               in.sender,
			})
		}
	}
	return out, nil
}

// SenderDomain credits applications sent to the replying domain, except
// those already credited with an exact sender match.
type SenderDomain struct{}

func (SenderDomain) ID() string { return string(models.SignalSenderDomain) }

func (SenderDomain) Collect(_ context.Context, in *Input) (models.MatchSignals, error) {
	if in.senderDomain == "" {
		return nil, nil
	}
	var out models.MatchSignals
	for _, app := range in.Candidates {
		if app.RecipientDomain() != in.senderDomain || in.hasSignal(app.ID, models.SignalSenderExact) {
			continue
		}
		out = append(out, models.MatchSignal{
			Type:                 models.SignalSenderDomain,
			Weight:               WeightSenderDomain,
			MatchedApplicationID: app.ID,
			Detail:               in.senderDomain,
		})
	}
	return out, nil
}

// SubjectKeyword credits each application at most once when the reply
// subject contains one of its keywords.
type SubjectKeyword struct{}

func (SubjectKeyword) ID() string { return string(models.SignalSubjectKeyword) }

func (SubjectKeyword) Collect(_ context.Context, in *Input) (models.MatchSignals, error) {
	if in.subject == "" {
		return nil, nil
	}
	var out models.MatchSignals
	for _, app := range in.Candidates {
		for _, kw := range Keywords(app) {
			if strings.Contains(in.subject, kw) {
				out = append(out, models.MatchSignal{
					Type:                 models.SignalSubjectKeyword,
					Weight:               WeightSubjectKeyword,
					MatchedApplicationID: app.ID,
					Detail:               kw,
				})
				break
			}
		}
	}
	return out, nil
}

// Recency nudges the two most recently updated applications.
type Recency struct{}

func (Recency) ID() string { return string(models.SignalRecency) }

func (Recency) Collect(_ context.Context, in *Input) (models.MatchSignals, error) {
	weights := []int{WeightMostRecent, WeightSecondRecent}
	var out models.MatchSignals
	for i, app := range in.Candidates {
		if i >= len(weights) {
			break
		}
		out = append(out, models.MatchSignal{
			Type:                 models.SignalRecency,
			Weight:               weights[i],
			MatchedApplicationID: app.ID,
		})
	}
	return out, nil
}
