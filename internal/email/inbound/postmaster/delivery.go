package postmaster

import (
	"io"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	htmlcharset "golang.org/x/net/html/charset"
)

// Attachment is a file part of a delivery.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Delivery is one inbound webhook call as posted by the mail provider.
type Delivery struct {
	Timestamp string
	Token     string
	Signature string

	Recipient string
	Sender    string
	From      string
	Subject   string
	BodyPlain string
	BodyHTML  string

	MessageID  string
	InReplyTo  string
	References string

	Attachments []Attachment
	// Payload is the raw form snapshot kept for audit.
	Payload    map[string]string
	ReceivedAt time.Time
}

var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	},
}

// decodeHeader resolves RFC 2047 encoded words; undecodable input is kept as is.
func decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || !strings.Contains(value, "=?") {
		return value
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// senderAddress prefers the envelope sender and falls back to the From header.
func (d Delivery) senderAddress() string {
	if s := decodeHeader(d.Sender); s != "" {
		return s
	}
	return decodeHeader(d.From)
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func normalizeMessageID(value string) string {
	value = strings.Trim(strings.TrimSpace(value), "\"")
	value = strings.TrimSpace(strings.Trim(value, "<>"))
	if value == "" {
		return ""
	}
	return "<" + value + ">"
}
