// Package forward relays a stored inbound reply to the user's personal inbox.
package forward

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/microcosm-cc/bluemonday"

	"github.com/medapply/replyrelay/internal/models"
	"github.com/medapply/replyrelay/internal/notifications"
	"github.com/medapply/replyrelay/internal/storage"
)

// ErrNoRecipient means the user has no address to forward to.
var ErrNoRecipient = errors.New("forward: user has no forwarding address")

var (
	//go:embed templates/forward.txt
	textTemplateSource string
	//go:embed templates/forward.html
	htmlTemplateSource string

	textTemplate = pongo2.Must(pongo2.FromString(textTemplateSource))
	htmlTemplate = pongo2.Must(pongo2.FromString(htmlTemplateSource))
)

const dateLayout = "Mon, 02 Jan 2006 15:04 MST"

// Forward describes one relay copy.
type Forward struct {
	UserID          string
	To              string
	OriginalFrom    string
	OriginalTo      string
	Subject         string
	Text            string
	HTML            string
	MessageID       string
	Date            time.Time
	ApplicationID   *string
	Confidence      models.MatchConfidence
	AttachmentPaths []string
}

// NeedsReview reports whether the copy must carry the manual triage notice.
func (f Forward) NeedsReview() bool {
	return f.ApplicationID == nil || *f.ApplicationID == "" || f.Confidence == models.ConfidenceLow
}

// Forwarder renders and sends relay copies.
type Forwarder struct {
	mailer notifications.Mailer
	store  storage.Store
	from   string
	policy *bluemonday.Policy
	logger *log.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithStore enables attachment forwarding from store.
func WithStore(s storage.Store) Option {
	return func(f *Forwarder) {
		f.store = s
	}
}

// WithFrom sets the From address of relay copies.
func WithFrom(from string) Option {
	return func(f *Forwarder) {
		f.from = from
	}
}

// WithLogger sets the logger used for skipped attachments.
func WithLogger(l *log.Logger) Option {
	return func(f *Forwarder) {
		f.logger = l
	}
}

// New builds a forwarder that sends through mailer.
func New(mailer notifications.Mailer, opts ...Option) *Forwarder {
	f := &Forwarder{mailer: mailer, policy: bluemonday.UGCPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Forward renders fw and hands it to the mailer.
func (f *Forwarder) Forward(ctx context.Context, fw Forward) error {
	if f == nil || f.mailer == nil {
		return fmt.Errorf("forward: no mailer configured")
	}
	if strings.TrimSpace(fw.To) == "" {
		return ErrNoRecipient
	}

	text, html, err := f.Render(fw)
	if err != nil {
		return err
	}
	attachments := f.attachments(ctx, fw)

	msg := notifications.OutboundMessage{
		From:        f.from,
		To:          fw.To,
		Subject:     Subject(fw.Subject),
		Text:        text,
		HTML:        html,
		ReplyTo:     fw.OriginalFrom,
		InReplyTo:   fw.MessageID,
		Attachments: attachments,
	}
	if err := f.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("forward: send to %s: %w", fw.To, err)
	}
	return nil
}

// Render returns the text and HTML bodies of the relay copy.
func (f *Forwarder) Render(fw Forward) (string, string, error) {
	date := fw.Date
	if date.IsZero() {
		date = time.Now()
	}
	appID := ""
	if fw.ApplicationID != nil {
		appID = *fw.ApplicationID
	}
	policy := f.policy
	if policy == nil {
		policy = bluemonday.UGCPolicy()
	}

	data := pongo2.Context{
		"needs_review":   fw.NeedsReview(),
		"from":           fw.OriginalFrom,
		"to":             fw.OriginalTo,
		"subject":        fw.Subject,
		"date":           date.Format(dateLayout),
		"application_id": appID,
		"confidence":     string(fw.Confidence),
		"body":           fw.Text,
		"html_body":      strings.TrimSpace(policy.Sanitize(fw.HTML)),
	}

	text, err := textTemplate.Execute(data)
	if err != nil {
		return "", "", fmt.Errorf("forward: render text: %w", err)
	}
	html, err := htmlTemplate.Execute(data)
	if err != nil {
		return "", "", fmt.Errorf("forward: render html: %w", err)
	}
	return text, html, nil
}

// attachments downloads the stored files of the user. Missing or foreign
// files are skipped so the reply itself still arrives.
func (f *Forwarder) attachments(ctx context.Context, fw Forward) []notifications.Attachment {
	if f.store == nil || len(fw.AttachmentPaths) == 0 {
		return nil
	}
	scoped := storage.ForUser(f.store, fw.UserID)
	var out []notifications.Attachment
	for _, p := range fw.AttachmentPaths {
		obj, err := scoped.Download(ctx, p)
		if err != nil {
			f.logf("forward: skipping attachment %s: %v", p, err)
			continue
		}
		out = append(out, notifications.Attachment{
			Filename:    obj.Filename,
			ContentType: obj.ContentType,
			Data:        obj.Data,
		})
	}
	return out
}

// Subject prefixes the original subject with "Fwd: " once.
func Subject(original string) string {
	original = strings.TrimSpace(original)
	lower := strings.ToLower(original)
	if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
		return original
	}
	if original == "" {
		return "Fwd: (no subject)"
	}
	return "Fwd: " + original
}

func (f *Forwarder) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
