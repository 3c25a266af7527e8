// Package notifications sends relay copies to users over SMTP.
package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/medapply/replyrelay/internal/config"
)

// ErrNoRecipient is returned when a message has no To address.
var ErrNoRecipient = errors.New("no recipients specified")

// Attachment is a file attached to an outbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// OutboundMessage is one email handed to a Mailer.
type OutboundMessage struct {
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	ReplyTo     string
	InReplyTo   string
	References  []string
	Attachments []Attachment
}

// Mailer delivers outbound messages.
type Mailer interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// SMTPMailer delivers messages through the configured SMTP relay.
type SMTPMailer struct {
	cfg *config.EmailConfig
	now func() time.Time
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg *config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, now: time.Now}
}

// Send builds the MIME message and submits it. Disabled mail is a no-op.
func (s *SMTPMailer) Send(ctx context.Context, msg OutboundMessage) error {
	if s.cfg == nil || !s.cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	if msg.From == "" {
		msg.From = s.defaultFrom()
	}

	raw, err := BuildMIME(msg, s.now())
	if err != nil {
		return err
	}
	envelopeFrom, err := mail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	rcpt, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.dialSMTPClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return err
	}
	if err := client.Mail(envelopeFrom.Address); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(rcpt.Address); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", rcpt.Address, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

func (s *SMTPMailer) defaultFrom() string {
	from := s.cfg.From
	if from == "" {
		from = s.cfg.SMTP.User
	}
	if from == "" {
		from = "noreply@localhost"
	}
	if s.cfg.FromName != "" {
		return (&mail.Address{Name: s.cfg.FromName, Address: from}).String()
	}
	return from
}

// BuildMIME renders msg as a multipart/mixed message with a text and
// optional HTML alternative followed by the attachments.
func BuildMIME(msg OutboundMessage, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	if msg.ReplyTo != "" {
		if replyTo, err := mail.ParseAddress(msg.ReplyTo); err == nil {
			h.SetAddressList("Reply-To", []*mail.Address{replyTo})
		}
	}
	if id := strings.Trim(strings.TrimSpace(msg.InReplyTo), "<>"); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
	}
	if len(msg.References) > 0 {
		var refs []string
		for _, r := range msg.References {
			if r = strings.Trim(strings.TrimSpace(r), "<>"); r != "" {
				refs = append(refs, r)
			}
		}
		if len(refs) > 0 {
			h.SetMsgIDList("References", refs)
		}
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	if err := writeInline(iw, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writeInline(iw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(att.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close attachment %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func (s *SMTPMailer) dialSMTPClient() (*smtp.Client, error) {
	mode := s.cfg.EffectiveTLSMode()
	addr := s.cfg.SMTP.Host + ":" + strconv.Itoa(s.cfg.SMTP.Port)
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.SMTP.Host,
		InsecureSkipVerify: s.cfg.SMTP.SkipVerify,
	}

	switch mode {
	case "smtps":
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
		client, err := smtp.NewClient(conn, s.cfg.SMTP.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP client: %w", err)
		}
		return client, nil
	default:
		client, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		if mode == "starttls" {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
		return client, nil
	}
}

func (s *SMTPMailer) authenticate(client *smtp.Client) error {
	if s.cfg.SMTP.User == "" || s.cfg.SMTP.Password == "" {
		return nil
	}

	var auth smtp.Auth
	switch strings.ToLower(strings.TrimSpace(s.cfg.SMTP.AuthType)) {
	case "login":
		auth = &loginAuth{username: s.cfg.SMTP.User, password: s.cfg.SMTP.Password}
	default:
		auth = smtp.PlainAuth("", s.cfg.SMTP.User, s.cfg.SMTP.Password, s.cfg.SMTP.Host)
	}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch string(fromServer) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
	}
}
