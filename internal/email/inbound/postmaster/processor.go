// Package postmaster turns one authenticated webhook delivery into a stored,
// routed message and a best-effort copy in the user's personal inbox.
package postmaster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medapply/replyrelay/internal/cache"
	"github.com/medapply/replyrelay/internal/email/inbound/address"
	"github.com/medapply/replyrelay/internal/email/inbound/direct"
	"github.com/medapply/replyrelay/internal/email/inbound/forward"
	"github.com/medapply/replyrelay/internal/email/inbound/matcher"
	"github.com/medapply/replyrelay/internal/email/inbound/signature"
	"github.com/medapply/replyrelay/internal/metrics"
	"github.com/medapply/replyrelay/internal/models"
	"github.com/medapply/replyrelay/internal/storage"
)

type directRouter interface {
	Route(ctx context.Context, res address.Resolution) (*models.Application, error)
}

type aliasDirectory interface {
	Resolve(ctx context.Context, alias, fullAddress string) (string, error)
}

type smartRouter interface {
	Match(ctx context.Context, ev matcher.Evidence) (matcher.Decision, error)
}

type txBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type messageStore interface {
	ExistsInbound(ctx context.Context, userID, messageID string) (bool, error)
	InsertInbound(ctx context.Context, tx sqlx.ExecerContext, msg *models.Message) error
}

type statusUpdater interface {
	MarkReplied(ctx context.Context, tx sqlx.ExecerContext, id string) error
}

type profileLookup interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

type forwarder interface {
	Forward(ctx context.Context, fw forward.Forward) error
}

// Services are the collaborators a Processor cannot run without.
type Services struct {
	Verifier     *signature.Verifier
	Direct       directRouter
	Directory    aliasDirectory
	Matcher      smartRouter
	DB           txBeginner
	Messages     messageStore
	Applications statusUpdater
	Profiles     profileLookup
}

// Route names the branch that produced a decision.
const (
	RouteDirect = "direct"
	RouteSmart  = "smart"
)

// Result describes what happened to a delivery.
type Result struct {
	Action          string // linked, unlinked, duplicate
	Route           string
	UserID          string
	StoredID        string
	MessageID       string
	ApplicationID   *string
	Confidence      models.MatchConfidence
	Signals         models.MatchSignals
	Duplicate       bool
	Forwarded       bool
	AttachmentPaths []string
}

// Processor handles inbound deliveries.
type Processor struct {
	svc            Services
	forwarder      forwarder
	store          storage.Store
	guard          cache.DeliveryGuard
	metrics        *metrics.Metrics
	logger         *log.Logger
	maxBodyBytes   int
	maxAttachments int
	maxAttachment  int64
	newID          func() string
	now            func() time.Time
}

const (
	defaultBodyLimit       = 512 * 1024
	defaultAttachmentCount = 20
	defaultAttachmentLimit = 25 * 1024 * 1024
)

// ProcessorOption customizes Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger overrides the logger used for diagnostics.
func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProcessorForwarder enables relay copies.
func WithProcessorForwarder(f forwarder) ProcessorOption {
	return func(p *Processor) {
		p.forwarder = f
	}
}

// WithProcessorStorage enables attachment uploads.
func WithProcessorStorage(s storage.Store) ProcessorOption {
	return func(p *Processor) {
		p.store = s
	}
}

// WithProcessorGuard sets the in-flight duplicate guard.
func WithProcessorGuard(g cache.DeliveryGuard) ProcessorOption {
	return func(p *Processor) {
		if g != nil {
			p.guard = g
		}
	}
}

// WithProcessorMetrics records outcomes on m.
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithProcessorBodyLimit caps stored bodies, in bytes.
func WithProcessorBodyLimit(limit int) ProcessorOption {
	return func(p *Processor) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// WithProcessorAttachmentLimits caps the number and size of stored attachments.
func WithProcessorAttachmentLimits(count int, size int64) ProcessorOption {
	return func(p *Processor) {
		if count > 0 {
			p.maxAttachments = count
		}
		if size > 0 {
			p.maxAttachment = size
		}
	}
}

// WithProcessorClock overrides time and id generation.
func WithProcessorClock(now func() time.Time, newID func() string) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
		if newID != nil {
			p.newID = newID
		}
	}
}

// NewProcessor builds a processor over svc.
func NewProcessor(svc Services, opts ...ProcessorOption) *Processor {
	p := &Processor{
		svc:            svc,
		guard:          cache.NoopGuard{},
		logger:         log.Default(),
		maxBodyBytes:   defaultBodyLimit,
		maxAttachments: defaultAttachmentCount,
		maxAttachment:  defaultAttachmentLimit,
		newID:          func() string { return uuid.NewString() },
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Process runs one delivery. Every error is returned before anything is
// written; once the message is stored the remaining steps only log.
func (p *Processor) Process(ctx context.Context, d Delivery) (Result, error) {
	if p == nil || p.svc.DB == nil || p.svc.Messages == nil {
		return Result{}, errors.New("postmaster: processor not configured")
	}
	if !p.svc.Verifier.Verify(d.Timestamp, d.Token, d.Signature) {
		return Result{}, fmt.Errorf("postmaster: signature rejected: %w", ErrUnauthorized)
	}

	res, err := address.Resolve(d.Recipient)
	if err != nil {
		return Result{}, fmt.Errorf("postmaster: %w", err)
	}

	sender := d.senderAddress()
	subject := decodeHeader(d.Subject)

	var route routed
	if res.IsExplicitReference() {
		route, err = p.routeDirect(ctx, res)
	} else {
		route, err = p.routeSmart(ctx, res, sender, subject, d)
	}
	if err != nil {
		return Result{}, err
	}
	p.metrics.Match(route.route, string(route.confidence))

	messageID := normalizeMessageID(d.MessageID)
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", p.newID(), fallbackDomain(res.Domain))
		p.logf("postmaster: delivery without Message-Id, generated %s", messageID)
	}

	result := Result{
		Route:         route.route,
		UserID:        route.userID,
		MessageID:     messageID,
		ApplicationID: route.applicationID,
		Confidence:    route.confidence,
		Signals:       route.signals,
	}

	guardKey := route.userID + ":" + messageID
	acquired, err := p.guard.Acquire(ctx, guardKey)
	if err != nil {
		p.logf("postmaster: delivery guard unavailable: %v", err)
		acquired = true
	}
	if !acquired {
		return p.duplicate(result), nil
	}
	defer func() {
		if err := p.guard.Release(context.WithoutCancel(ctx), guardKey); err != nil {
			p.logf("postmaster: release delivery guard: %v", err)
		}
	}()

	exists, err := p.svc.Messages.ExistsInbound(ctx, route.userID, messageID)
	if err != nil {
		return Result{}, fmt.Errorf("postmaster: duplicate check: %w", err)
	}
	if exists {
		return p.duplicate(result), nil
	}

	msg := &models.Message{
		ID:            p.newID(),
		ApplicationID: route.applicationID,
		UserID:        route.userID,
		Direction:     models.DirectionInbound,
		Sender:        sender,
		Recipient:     res.Email,
		Subject:       subject,
		MessageID:     messageID,
		TextBody:      truncateUTF8(d.BodyPlain, p.maxBodyBytes),
		HTMLBody:      truncateUTF8(d.BodyHTML, p.maxBodyBytes),
		Headers: models.JSONMap{
			"Message-Id":  messageID,
			"In-Reply-To": strings.TrimSpace(d.InReplyTo),
			"References":  strings.TrimSpace(d.References),
			"From":        decodeHeader(d.From),
			"To":          strings.TrimSpace(d.Recipient),
		},
		MatchSignals: route.signals,
		Payload:      models.JSONMap(d.Payload),
		CreatedAt:    p.now().UTC(),
	}
	if route.confidence != models.ConfidenceNone {
		c := route.confidence
		msg.MatchConfidence = &c
	}

	if err := p.persist(ctx, msg); err != nil {
		return Result{}, err
	}
	result.StoredID = msg.ID
	result.Action = "unlinked"
	if msg.Linked() {
		result.Action = "linked"
	}
	p.logf("postmaster: stored %s message %s for user %s (route=%s confidence=%s)",
		result.Action, messageID, route.userID, route.route, route.confidence)

	result.AttachmentPaths = p.storeAttachments(ctx, msg, d.Attachments)
	result.Forwarded = p.forward(ctx, msg, d, result)
	return result, nil
}

type routed struct {
	route         string
	userID        string
	applicationID *string
	confidence    models.MatchConfidence
	signals       models.MatchSignals
}

func (p *Processor) routeDirect(ctx context.Context, res address.Resolution) (routed, error) {
	if p.svc.Direct == nil {
		return routed{}, errors.New("postmaster: direct router not configured")
	}
	app, err := p.svc.Direct.Route(ctx, res)
	switch {
	case errors.Is(err, direct.ErrTokenMismatch):
		return routed{}, fmt.Errorf("postmaster: %w: %w", ErrUnauthorized, err)
	case err != nil:
		return routed{}, fmt.Errorf("postmaster: %w", err)
	}
	id := app.ID
	return routed{
		route:         RouteDirect,
		userID:        app.UserID,
		applicationID: &id,
		confidence:    models.ConfidenceHigh,
		signals: models.MatchSignals{{
			Type:                 models.SignalDirectReference,
			Weight:               matcher.WeightHeaderMatch,
			MatchedApplicationID: id,
			Detail:               res.Kind.String(),
		}},
	}, nil
}

func (p *Processor) routeSmart(ctx context.Context, res address.Resolution, sender, subject string, d Delivery) (routed, error) {
	if p.svc.Directory == nil || p.svc.Matcher == nil {
		return routed{}, errors.New("postmaster: smart routing not configured")
	}
	userID, err := p.svc.Directory.Resolve(ctx, res.Alias, res.Email)
	if err != nil {
		return routed{}, fmt.Errorf("postmaster: %w", err)
	}
	decision, err := p.svc.Matcher.Match(ctx, matcher.Evidence{
		UserID:     userID,
		Sender:     sender,
		Subject:    subject,
		InReplyTo:  d.InReplyTo,
		References: d.References,
	})
	if err != nil {
		return routed{}, fmt.Errorf("postmaster: %w", err)
	}
	return routed{
		route:         RouteSmart,
		userID:        userID,
		applicationID: decision.ApplicationID,
		confidence:    decision.Confidence,
		signals:       decision.Signals,
	}, nil
}

// persist writes the message and flips the application status in one
// transaction.
func (p *Processor) persist(ctx context.Context, msg *models.Message) (err error) {
	tx, err := p.svc.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postmaster: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logf("postmaster: rollback failed: %v", rbErr)
			}
		}
	}()

	if err = p.svc.Messages.InsertInbound(ctx, tx, msg); err != nil {
		return fmt.Errorf("postmaster: %w", err)
	}
	if msg.Linked() {
		if p.svc.Applications == nil {
			return errors.New("postmaster: application store not configured")
		}
		if err = p.svc.Applications.MarkReplied(ctx, tx, *msg.ApplicationID); err != nil {
			return fmt.Errorf("postmaster: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postmaster: commit: %w", err)
	}
	return nil
}

func (p *Processor) duplicate(result Result) Result {
	p.logf("postmaster: duplicate delivery %s for user %s ignored", result.MessageID, result.UserID)
	p.metrics.Duplicate()
	result.Action = "duplicate"
	result.Duplicate = true
	return result
}

func (p *Processor) storeAttachments(ctx context.Context, msg *models.Message, attachments []Attachment) []string {
	if p.store == nil || len(attachments) == 0 {
		return nil
	}
	appID := ""
	if msg.ApplicationID != nil {
		appID = *msg.ApplicationID
	}
	var paths []string
	for i, att := range attachments {
		if i >= p.maxAttachments {
			p.logf("postmaster: dropping %d attachments over the limit", len(attachments)-i)
			break
		}
		if len(att.Data) == 0 {
			continue
		}
		if int64(len(att.Data)) > p.maxAttachment {
			p.logf("postmaster: attachment %s exceeds %d bytes, skipped", att.Filename, p.maxAttachment)
			continue
		}
		name := att.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		path := storage.ScopedPath(msg.UserID, appID, msg.ID, name)
		if _, err := p.store.Upload(ctx, path, att.ContentType, att.Data); err != nil {
			p.logf("postmaster: attachment store failed for %s: %v", name, err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// forward sends the relay copy. Failures are logged and never returned.
func (p *Processor) forward(ctx context.Context, msg *models.Message, d Delivery, result Result) bool {
	if p.forwarder == nil {
		return false
	}
	to := ""
	if p.svc.Profiles != nil {
		profile, err := p.svc.Profiles.GetProfile(ctx, msg.UserID)
		if err != nil {
			p.logf("postmaster: forward skipped, profile lookup for %s failed: %v", msg.UserID, err)
			p.metrics.Forward(false)
			return false
		}
		to = profile.ForwardAddress()
	}

	date := d.ReceivedAt
	if date.IsZero() {
		date = msg.CreatedAt
	}
	err := p.forwarder.Forward(ctx, forward.Forward{
		UserID:          msg.UserID,
		To:              to,
		OriginalFrom:    msg.Sender,
		OriginalTo:      msg.Recipient,
		Subject:         msg.Subject,
		Text:            msg.TextBody,
		HTML:            msg.HTMLBody,
		MessageID:       msg.MessageID,
		Date:            date,
		ApplicationID:   msg.ApplicationID,
		Confidence:      result.Confidence,
		AttachmentPaths: result.AttachmentPaths,
	})
	if err != nil {
		p.logf("postmaster: forward of %s failed: %v", msg.MessageID, err)
		p.metrics.Forward(false)
		return false
	}
	p.metrics.Forward(true)
	return true
}

func fallbackDomain(domain string) string {
	if domain == "" {
		return "replyrelay.invalid"
	}
	return domain
}

func (p *Processor) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
