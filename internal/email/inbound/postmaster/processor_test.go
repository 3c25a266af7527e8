package postmaster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medapply/replyrelay/internal/email/inbound/direct"
	"github.com/medapply/replyrelay/internal/email/inbound/directory"
	"github.com/medapply/replyrelay/internal/email/inbound/forward"
	"github.com/medapply/replyrelay/internal/email/inbound/matcher"
	"github.com/medapply/replyrelay/internal/email/inbound/signature"
	"github.com/medapply/replyrelay/internal/models"
	"github.com/medapply/replyrelay/internal/repository"
	"github.com/medapply/replyrelay/internal/storage"
)

const signingKey = "key-3ax6xnjp29jd6fds4gc373sgvjxteol0"

type fakeApplications struct {
	apps    []models.Application
	replied []string
	markErr error
}

func (f *fakeApplications) GetByID(_ context.Context, id string) (*models.Application, error) {
	for i := range f.apps {
		if f.apps[i].ID == id {
			return &f.apps[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeApplications) ListByReplyToken(_ context.Context, token string) ([]models.Application, error) {
	var out []models.Application
	for _, a := range f.apps {
		if a.Token() == token {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeApplications) ListOpenForUser(_ context.Context, userID string) ([]models.Application, error) {
	var out []models.Application
	for _, a := range f.apps {
		if a.UserID == userID && a.Status != models.ApplicationFailed {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeApplications) MarkReplied(_ context.Context, _ sqlx.ExecerContext, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.replied = append(f.replied, id)
	for i := range f.apps {
		if f.apps[i].ID == id {
			f.apps[i].Status = models.ApplicationReplied
		}
	}
	return nil
}

type fakeMessages struct {
	stored    []models.Message
	threadIDs map[string]string
	insertErr error
}

func (f *fakeMessages) ExistsInbound(_ context.Context, userID, messageID string) (bool, error) {
	for _, m := range f.stored {
		if m.UserID == userID && m.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMessages) InsertInbound(_ context.Context, _ sqlx.ExecerContext, msg *models.Message) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.stored = append(f.stored, *msg)
	return nil
}

func (f *fakeMessages) ApplicationsByThreadIDs(_ context.Context, _ string, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if app, ok := f.threadIDs[id]; ok {
			out = append(out, app)
		}
	}
	return out, nil
}

type fakeAliases struct {
	owners map[string]string
}

func (f *fakeAliases) FindActiveByAddress(_ context.Context, address string) (*models.Alias, error) {
	if user, ok := f.owners[address]; ok {
		return &models.Alias{UserID: user, FullAddress: address, IsActive: true}, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAliases) FindActiveByLocalPart(context.Context, string) ([]models.Alias, error) {
	return nil, nil
}

func (f *fakeAliases) FindProfilesByEmailAlias(context.Context, string) ([]models.Profile, error) {
	return nil, nil
}

func (f *fakeAliases) FindProfilesByPersonalLocalPart(context.Context, string) ([]models.Profile, error) {
	return nil, nil
}

func (f *fakeAliases) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	email := userID + "@personal.example"
	return &models.Profile{UserID: userID, Email: &email}, nil
}

type recordingForwarder struct {
	sent []forward.Forward
	err  error
}

func (r *recordingForwarder) Forward(_ context.Context, fw forward.Forward) error {
	r.sent = append(r.sent, fw)
	return r.err
}

type harness struct {
	mock      sqlmock.Sqlmock
	apps      *fakeApplications
	messages  *fakeMessages
	forwarder *recordingForwarder
	logs      *bytes.Buffer
	proc      *Processor
}

func newHarness(t *testing.T, apps []models.Application, opts ...ProcessorOption) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		mock:      mock,
		apps:      &fakeApplications{apps: apps},
		messages:  &fakeMessages{threadIDs: map[string]string{}},
		forwarder: &recordingForwarder{},
		logs:      &bytes.Buffer{},
	}
	aliases := &fakeAliases{owners: map[string]string{
		"max.mueller@relay.example": "user-max",
		"anna.schmidt@relay.example": "user-anna",
	}}
	seq := 0
	base := []ProcessorOption{
		WithProcessorLogger(log.New(h.logs, "", 0)),
		WithProcessorForwarder(h.forwarder),
		WithProcessorClock(
			func() time.Time { return time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC) },
			func() string { seq++; return fmt.Sprintf("id-%d", seq) },
		),
	}
	h.proc = NewProcessor(Services{
		Verifier:     signature.NewVerifier(signingKey),
		Direct:       direct.NewRouter(h.apps),
		Directory:    directory.New(aliases),
		Matcher:      matcher.NewRouter(h.apps, h.messages),
		DB:           sqlx.NewDb(db, "postgres"),
		Messages:     h.messages,
		Applications: h.apps,
		Profiles:     aliases,
	}, append(base, opts...)...)
	return h
}

func signed(d Delivery) Delivery {
	d.Timestamp = "1714809600"
	d.Token = "c0ffee0123456789abcdef"
	d.Signature = signature.NewVerifier(signingKey).Sign(d.Timestamp, d.Token)
	return d
}

func app(id, userID, recipient string, updated time.Time) models.Application {
	return models.Application{ID: id, UserID: userID, RecipientEmail: recipient, Status: models.ApplicationSent, UpdatedAt: updated}
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestProcessScenarioSingleExactSender(t *testing.T) {
	h := newHarness(t, []models.Application{app("app-1", "user-max", "personal@klinikum-x.de", now)})
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "max.mueller@relay.example",
		Sender:    "personal@klinikum-x.de",
		Subject:   "Re: Bewerbung Assistenzarzt",
		BodyPlain: "Vielen Dank für Ihre Bewerbung.",
		MessageID: "<reply-1@klinikum-x.de>",
	}))
	require.NoError(t, err)
	assert.Equal(t, "linked", res.Action)
	assert.Equal(t, RouteSmart, res.Route)
	require.NotNil(t, res.ApplicationID)
	assert.Equal(t, "app-1", *res.ApplicationID)
	assert.Equal(t, models.ConfidenceHigh, res.Confidence)
	assert.Equal(t, []string{"app-1"}, h.apps.replied)
	assert.Equal(t, models.ApplicationReplied, h.apps.apps[0].Status)

	require.Len(t, h.messages.stored, 1)
	stored := h.messages.stored[0]
	assert.Equal(t, "user-max", stored.UserID)
	assert.Equal(t, "<reply-1@klinikum-x.de>", stored.MessageID)
	require.NotNil(t, stored.MatchConfidence)
	assert.Equal(t, models.ConfidenceHigh, *stored.MatchConfidence)
	assert.NotEmpty(t, stored.MatchSignals)

	require.Len(t, h.forwarder.sent, 1)
	assert.Equal(t, "user-max@personal.example", h.forwarder.sent[0].To)
	assert.False(t, h.forwarder.sent[0].NeedsReview())
	assert.True(t, res.Forwarded)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessScenarioDomainTieStaysUnlinked(t *testing.T) {
	h := newHarness(t, []models.Application{
		app("app-1", "user-max", "chefarzt@klinikum-x.de", now),
		app("app-2", "user-max", "bewerbung@klinikum-x.de", now),
	})
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "Max Müller <max.mueller@relay.example>",
		Sender:    "personal@klinikum-x.de",
		Subject:   "Re: Bewerbung Assistenzarzt",
		MessageID: "reply-2@klinikum-x.de",
	}))
	require.NoError(t, err)
	assert.Equal(t, "unlinked", res.Action)
	assert.Nil(t, res.ApplicationID)
	assert.Equal(t, models.ConfidenceLow, res.Confidence)
	assert.Empty(t, h.apps.replied)

	require.Len(t, h.messages.stored, 1)
	assert.Nil(t, h.messages.stored[0].ApplicationID)
	assert.Equal(t, "<reply-2@klinikum-x.de>", h.messages.stored[0].MessageID)
	assert.Len(t, h.messages.stored[0].MatchSignals, 4)

	require.Len(t, h.forwarder.sent, 1)
	assert.True(t, h.forwarder.sent[0].NeedsReview())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessScenarioLegacyTokenMismatch(t *testing.T) {
	token := "zzzzzzzz99999999"
	legacy := app("11111111-2222-3333-4444-555555555555", "user-max", "personal@klinikum-x.de", now)
	legacy.ReplyToken = &token
	h := newHarness(t, []models.Application{legacy})

	_, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "11111111-2222-3333-4444-555555555555-abcdefgh12345678@relay.example",
		Sender:    "personal@klinikum-x.de",
		MessageID: "<reply-3@klinikum-x.de>",
	}))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, h.messages.stored)
	assert.Empty(t, h.forwarder.sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessDirectLegacyLinks(t *testing.T) {
	token := "abcdefgh12345678"
	legacy := app("11111111-2222-3333-4444-555555555555", "user-max", "personal@klinikum-x.de", now)
	legacy.ReplyToken = &token
	h := newHarness(t, []models.Application{legacy})
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "reply+11111111-2222-3333-4444-555555555555-abcdefgh12345678@relay.example",
		Sender:    "someone-else@other.de",
		MessageID: "<reply-4@other.de>",
	}))
	require.NoError(t, err)
	assert.Equal(t, RouteDirect, res.Route)
	assert.Equal(t, "linked", res.Action)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, models.SignalDirectReference, res.Signals[0].Type)
	assert.Equal(t, []string{legacy.ID}, h.apps.replied)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	d := signed(Delivery{Recipient: "max.mueller@relay.example", Sender: "a@b.de"})
	d.Signature = strings.Repeat("0", 64)

	_, err := h.proc.Process(context.Background(), d)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.proc.Process(context.Background(), Delivery{Recipient: "max.mueller@relay.example"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, h.messages.stored)
}

func TestProcessErrorClasses(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.proc.Process(context.Background(), signed(Delivery{Recipient: "not-an-address"}))
	assert.ErrorIs(t, err, ErrRecipientUnrecognized)

	_, err = h.proc.Process(context.Background(), signed(Delivery{Recipient: "nobody.here@relay.example", Sender: "a@b.de"}))
	assert.ErrorIs(t, err, ErrAliasNotFound)

	_, err = h.proc.Process(context.Background(), signed(Delivery{Recipient: "max.tok3n123@relay.example", Sender: "a@b.de"}))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, h.messages.stored)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessNoOpenApplicationsStoresUnlinked(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "anna.schmidt@relay.example",
		Sender:    "hr@klinik.de",
		MessageID: "<x@klinik.de>",
	}))
	require.NoError(t, err)
	assert.Equal(t, "unlinked", res.Action)
	assert.Equal(t, models.ConfidenceNone, res.Confidence)
	require.Len(t, h.messages.stored, 1)
	assert.Nil(t, h.messages.stored[0].MatchConfidence)
}

func TestProcessDuplicateDelivery(t *testing.T) {
	h := newHarness(t, []models.Application{app("app-1", "user-max", "personal@klinikum-x.de", now)})
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	d := signed(Delivery{
		Recipient: "max.mueller@relay.example",
		Sender:    "personal@klinikum-x.de",
		MessageID: "<dup@klinikum-x.de>",
	})
	_, err := h.proc.Process(context.Background(), d)
	require.NoError(t, err)

	res, err := h.proc.Process(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "duplicate", res.Action)
	assert.Len(t, h.messages.stored, 1)
	assert.Len(t, h.forwarder.sent, 1)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string) (bool, error) { return false, nil }
func (busyGuard) Release(context.Context, string) error         { return nil }

func TestProcessGuardHeldByConcurrentDelivery(t *testing.T) {
	h := newHarness(t, []models.Application{app("app-1", "user-max", "personal@klinikum-x.de", now)}, WithProcessorGuard(busyGuard{}))
	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "max.mueller@relay.example",
		Sender:    "personal@klinikum-x.de",
		MessageID: "<inflight@klinikum-x.de>",
	}))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, h.messages.stored)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessPersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t, []models.Application{app("app-1", "user-max", "personal@klinikum-x.de", now)})
	h.apps.markErr = errors.New("deadlock detected")
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()

	_, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "max.mueller@relay.example",
		Sender:    "personal@klinikum-x.de",
		MessageID: "<fail@klinikum-x.de>",
	}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.Empty(t, h.forwarder.sent)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestProcessForwardFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, []models.Application{app("app-1", "user-max", "personal@klinikum-x.de", now)})
	h.forwarder.err = errors.New("smtp timeout")
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "max.mueller@relay.example",
		Sender:    "personal@klinikum-x.de",
		MessageID: "<fwd@klinikum-x.de>",
	}))
	require.NoError(t, err)
	assert.False(t, res.Forwarded)
	assert.Len(t, h.messages.stored, 1)
	assert.Contains(t, h.logs.String(), "smtp timeout")
}

func TestProcessHeaderMatchShortCircuits(t *testing.T) {
	h := newHarness(t, []models.Application{
		app("app-1", "user-max", "personal@klinikum-x.de", now),
		app("app-2", "user-max", "other@elsewhere.de", now.Add(-time.Hour)),
	})
	h.messages.threadIDs["provider-42@mailer.example"] = "app-2"
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient:  "max.mueller@relay.example",
		Sender:     "personal@klinikum-x.de",
		References: "<provider-42@mailer.example>",
		MessageID:  "<hdr@klinikum-x.de>",
	}))
	require.NoError(t, err)
	require.NotNil(t, res.ApplicationID)
	assert.Equal(t, "app-2", *res.ApplicationID)
	assert.Equal(t, models.ConfidenceHigh, res.Confidence)
}

func TestProcessStoresAttachmentsForForwarding(t *testing.T) {
	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, []models.Application{app("app-1", "user-max", "personal@klinikum-x.de", now)},
		WithProcessorStorage(store), WithProcessorAttachmentLimits(1, 10))
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "max.mueller@relay.example",
		Sender:    "personal@klinikum-x.de",
		MessageID: "<att@klinikum-x.de>",
		Attachments: []Attachment{
			{Filename: "termin.ics", ContentType: "text/calendar", Data: []byte("BEGIN")},
			{Filename: "second.pdf", ContentType: "application/pdf", Data: []byte("x")},
		},
	}))
	require.NoError(t, err)
	require.Len(t, res.AttachmentPaths, 1)
	assert.Equal(t, "user-max/app-1/"+res.StoredID+"/termin.ics", res.AttachmentPaths[0])
	require.Len(t, h.forwarder.sent, 1)
	assert.Equal(t, res.AttachmentPaths, h.forwarder.sent[0].AttachmentPaths)
}

func TestProcessGeneratesMissingMessageID(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	res, err := h.proc.Process(context.Background(), signed(Delivery{
		Recipient: "anna.schmidt@relay.example",
		Sender:    "hr@klinik.de",
	}))
	require.NoError(t, err)
	assert.Equal(t, "<id-1@relay.example>", res.MessageID)
}
