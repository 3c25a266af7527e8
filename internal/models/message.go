package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MessageDirection distinguishes relayed replies from application emails.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MatchConfidence is the smart router's certainty about an auto-link.
type MatchConfidence string

const (
	ConfidenceHigh   MatchConfidence = "high"
	ConfidenceMedium MatchConfidence = "medium"
	ConfidenceLow    MatchConfidence = "low"
	ConfidenceNone   MatchConfidence = ""
)

// Links reports whether a decision with this confidence may be auto-linked.
func (c MatchConfidence) Links() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium
}

// SignalType names one kind of matching evidence.
type SignalType string

const (
	SignalHeaderMatch     SignalType = "header_match"
	SignalSenderExact     SignalType = "sender_exact"
	SignalSenderDomain    SignalType = "sender_domain"
	SignalSubjectKeyword  SignalType = "subject_keyword"
	SignalRecency         SignalType = "recency"
	SignalDirectReference SignalType = "direct_reference"
)

// MatchSignal is one scored piece of evidence naming an application.
type MatchSignal struct {
	Type                 SignalType `json:"type"`
	Weight               int        `json:"weight"`
	MatchedApplicationID string     `json:"matched_application_id"`
	Detail               string     `json:"detail,omitempty"`
}

// MatchSignals is persisted as a JSON array.
type MatchSignals []MatchSignal

// Value implements driver.Valuer.
func (s MatchSignals) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return marshalJSON(s)
}

// Scan implements sql.Scanner.
func (s *MatchSignals) Scan(src any) error {
	return scanJSON(src, s)
}

// JSONMap is a string keyed JSON object column (headers, payload snapshots).
type JSONMap map[string]string

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalJSON(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// JSON columns are TEXT on every supported driver, so values are written as strings.
func marshalJSON(v any) (driver.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func scanJSON(src any, dst any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// Message is an inbound or outbound email stored against a user and,
// when linked, one of that user's applications.
type Message struct {
	ID                string           `json:"id" db:"id"`
	ApplicationID     *string          `json:"application_id,omitempty" db:"application_id"`
	UserID            string           `json:"user_id" db:"user_id"`
	Direction         MessageDirection `json:"direction" db:"direction"`
	Sender            string           `json:"sender" db:"sender"`
	Recipient         string           `json:"recipient" db:"recipient"`
	Subject           string           `json:"subject" db:"subject"`
	MessageID         string           `json:"message_id" db:"message_id"`
	ProviderMessageID *string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	TextBody          string           `json:"text_body" db:"text_body"`
	HTMLBody          string           `json:"html_body" db:"html_body"`
	Headers           JSONMap          `json:"headers" db:"headers"`
	MatchConfidence   *MatchConfidence `json:"match_confidence,omitempty" db:"match_confidence"`
	MatchSignals      MatchSignals     `json:"match_signals" db:"match_signals"`
	Payload           JSONMap          `json:"payload" db:"payload"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// Linked reports whether the message is attached to an application.
func (m *Message) Linked() bool {
	return m != nil && m.ApplicationID != nil && *m.ApplicationID != ""
}
