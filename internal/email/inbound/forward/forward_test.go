package forward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medapply/replyrelay/internal/models"
	"github.com/medapply/replyrelay/internal/notifications"
	"github.com/medapply/replyrelay/internal/storage"
)

type recordingMailer struct {
	sent []notifications.OutboundMessage
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg notifications.OutboundMessage) error {
	m.sent = append(m.sent, msg)
	return m.err
}

func linked(id string) *string { return &id }

func baseForward() Forward {
	return Forward{
		UserID:       "user-1",
		To:           "max@example.org",
		OriginalFrom: "personal@klinikum-x.de",
		OriginalTo:   "max.mueller@relay.example",
		Subject:      "Re: Bewerbung Assistenzarzt",
		Text:         "Wir laden Sie herzlich ein.",
		MessageID:    "<reply-1@klinikum-x.de>",
		Date:         time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	}
}

func TestForwardLinkedHighConfidence(t *testing.T) {
	mailer := &recordingMailer{}
	fw := baseForward()
	fw.ApplicationID = linked("app-1")
	fw.Confidence = models.ConfidenceHigh

	require.NoError(t, New(mailer, WithFrom("relay@relay.example")).Forward(context.Background(), fw))
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	assert.Equal(t, "relay@relay.example", msg.From)
	assert.Equal(t, "max@example.org", msg.To)
	assert.Equal(t, "Fwd: Re: Bewerbung Assistenzarzt", msg.Subject)
	assert.Equal(t, "personal@klinikum-x.de", msg.ReplyTo)
	assert.Equal(t, "<reply-1@klinikum-x.de>", msg.InReplyTo)
	assert.Contains(t, msg.Text, "From: personal@klinikum-x.de")
	assert.Contains(t, msg.Text, "Subject: Re: Bewerbung Assistenzarzt")
	assert.Contains(t, msg.Text, "Wir laden Sie herzlich ein.")
	assert.Contains(t, msg.Text, "match confidence: high")
	assert.NotContains(t, msg.Text, "could not be matched")
	assert.NotContains(t, msg.HTML, "could not be matched")
}

func TestForwardUnlinkedCarriesDisclaimer(t *testing.T) {
	mailer := &recordingMailer{}
	fw := baseForward()
	fw.Confidence = models.ConfidenceLow

	require.NoError(t, New(mailer).Forward(context.Background(), fw))
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, "could not be matched")
	assert.Contains(t, mailer.sent[0].HTML, "could not be matched")
}

func TestNeedsReview(t *testing.T) {
	fw := baseForward()
	assert.True(t, fw.NeedsReview())

	fw.ApplicationID = linked("app-1")
	fw.Confidence = models.ConfidenceMedium
	assert.False(t, fw.NeedsReview())

	fw.Confidence = models.ConfidenceLow
	assert.True(t, fw.NeedsReview())
}

func TestRenderSanitizesHTML(t *testing.T) {
	fw := baseForward()
	fw.HTML = `<p onclick="steal()">Hallo <script>alert(1)</script><a href="javascript:x()">link</a></p>`
	fw.OriginalFrom = `"Dr. <b>Evil</b>" <evil@x.de>`

	_, html, err := New(&recordingMailer{}).Render(fw)
	require.NoError(t, err)
	assert.Contains(t, html, "Hallo")
	assert.NotContains(t, html, "<script>")
	assert.NotContains(t, html, "onclick")
	assert.NotContains(t, html, "javascript:")
	assert.NotContains(t, html, "<b>Evil</b>")
}

func TestRenderPlainTextIsNotEscaped(t *testing.T) {
	fw := baseForward()
	fw.Text = "Termin: 10 < 12 & \"morgen\""
	text, html, err := New(&recordingMailer{}).Render(fw)
	require.NoError(t, err)
	assert.Contains(t, text, "Termin: 10 < 12 & \"morgen\"")
	assert.Contains(t, html, "10 &lt; 12 &amp;")
}

func TestForwardWithAttachments(t *testing.T) {
	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	own := storage.ScopedPath("user-1", "", "msg-1", "einladung.pdf")
	_, err = store.Upload(ctx, own, "application/pdf", []byte("pdf"))
	require.NoError(t, err)
	foreign := storage.ScopedPath("user-2", "", "msg-9", "secret.pdf")
	_, err = store.Upload(ctx, foreign, "application/pdf", []byte("secret"))
	require.NoError(t, err)

	mailer := &recordingMailer{}
	fw := baseForward()
	fw.AttachmentPaths = []string{own, foreign, "user-1/unlinked/msg-1/missing.pdf"}

	require.NoError(t, New(mailer, WithStore(store)).Forward(ctx, fw))
	require.Len(t, mailer.sent, 1)
	require.Len(t, mailer.sent[0].Attachments, 1)
	assert.Equal(t, "einladung.pdf", mailer.sent[0].Attachments[0].Filename)
	assert.Equal(t, []byte("pdf"), mailer.sent[0].Attachments[0].Data)
}

func TestForwardErrors(t *testing.T) {
	fw := baseForward()
	fw.To = ""
	assert.ErrorIs(t, New(&recordingMailer{}).Forward(context.Background(), fw), ErrNoRecipient)

	boom := errors.New("smtp down")
	err := New(&recordingMailer{err: boom}).Forward(context.Background(), baseForward())
	assert.ErrorIs(t, err, boom)

	assert.Error(t, New(nil).Forward(context.Background(), baseForward()))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Fwd: Einladung", Subject(" Einladung "))
	assert.Equal(t, "FWD: Einladung", Subject("FWD: Einladung"))
	assert.Equal(t, "Fwd: (no subject)", Subject(""))
}
