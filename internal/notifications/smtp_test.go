package notifications

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medapply/replyrelay/internal/config"
)

func TestBuildMIME(t *testing.T) {
	msg := OutboundMessage{
		From:      "Reply Relay <relay@relay.example>",
		To:        "max@example.org",
		Subject:   "Fwd: Einladung zum Gespräch",
		Text:      "Guten Tag",
		HTML:      "<p>Guten Tag</p>",
		ReplyTo:   "personal@klinikum-x.de",
		InReplyTo: "<reply-1@klinikum-x.de>",
		Attachments: []Attachment{
			{Filename: "termin.ics", ContentType: "text/calendar", Data: []byte("BEGIN:VCALENDAR")},
		},
	}
	raw, err := BuildMIME(msg, time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Fwd: Einladung zum Gespräch", subject)

	replyTo, err := mr.Header.AddressList("Reply-To")
	require.NoError(t, err)
	require.Len(t, replyTo, 1)
	assert.Equal(t, "personal@klinikum-x.de", replyTo[0].Address)

	inReplyTo, err := mr.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"reply-1@klinikum-x.de"}, inReplyTo)

	var texts, files []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			texts = append(texts, string(body))
		case *mail.AttachmentHeader:
			name, err := h.Filename()
			require.NoError(t, err)
			files = append(files, name+"="+string(body))
		}
	}
	assert.Equal(t, []string{"Guten Tag", "<p>Guten Tag</p>"}, texts)
	assert.Equal(t, []string{"termin.ics=BEGIN:VCALENDAR"}, files)
}

func TestBuildMIMEInvalidAddresses(t *testing.T) {
	_, err := BuildMIME(OutboundMessage{From: "not an address", To: "max@example.org"}, time.Now())
	assert.Error(t, err)
	_, err = BuildMIME(OutboundMessage{From: "relay@relay.example", To: ""}, time.Now())
	assert.Error(t, err)
}

func TestSMTPMailerDisabledIsNoop(t *testing.T) {
	m := NewSMTPMailer(&config.EmailConfig{Enabled: false})
	assert.NoError(t, m.Send(context.Background(), OutboundMessage{}))
	assert.NoError(t, NewSMTPMailer(nil).Send(context.Background(), OutboundMessage{}))
}

func TestSMTPMailerRequiresRecipient(t *testing.T) {
	m := NewSMTPMailer(&config.EmailConfig{Enabled: true, From: "relay@relay.example"})
	assert.ErrorIs(t, m.Send(context.Background(), OutboundMessage{Subject: "x"}), ErrNoRecipient)
}

func TestSMTPMailerUnreachableServer(t *testing.T) {
	cfg := &config.EmailConfig{Enabled: true, From: "relay@relay.example"}
	cfg.SMTP.Host = "127.0.0.1"
	cfg.SMTP.Port = 1
	err := NewSMTPMailer(cfg).Send(context.Background(), OutboundMessage{To: "max@example.org", Subject: "x", Text: "y"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connect"))
}

func TestDefaultFrom(t *testing.T) {
	cfg := &config.EmailConfig{From: "relay@relay.example", FromName: "Reply Relay"}
	assert.Equal(t, `"Reply Relay" <relay@relay.example>`, NewSMTPMailer(cfg).defaultFrom())

	cfg = &config.EmailConfig{}
	cfg.SMTP.User = "smtp-user@relay.example"
	assert.Equal(t, "smtp-user@relay.example", NewSMTPMailer(cfg).defaultFrom())
}

func TestLoginAuth(t *testing.T) {
	a := &loginAuth{username: "u", password: "p"}
	proto, _, err := a.Start(&smtp.ServerInfo{})
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", proto)

	resp, err := a.Next([]byte("Username:"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("u"), resp)
	resp, err = a.Next([]byte("Password:"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), resp)
	_, err = a.Next([]byte("Other:"), true)
	assert.Error(t, err)
	resp, err = a.Next(nil, false)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}
