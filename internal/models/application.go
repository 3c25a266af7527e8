package models

import (
	"strings"
	"time"
)

// ApplicationStatus tracks where an outbound application email is in its lifecycle.
type ApplicationStatus string

const (
	ApplicationQueued  ApplicationStatus = "queued"
	ApplicationSent    ApplicationStatus = "sent"
	ApplicationReplied ApplicationStatus = "replied"
	ApplicationFailed  ApplicationStatus = "failed"
)

// OpenApplicationStatuses are the statuses an inbound reply may still be linked to.
var OpenApplicationStatuses = []ApplicationStatus{ApplicationSent, ApplicationQueued, ApplicationReplied}

// Application is a job application email a user sent to a hospital.
type Application struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	JobID          *string           `json:"job_id,omitempty" db:"job_id"`
	RecipientEmail string            `json:"recipient_email" db:"recipient_email"`
	ReplyToken     *string           `json:"reply_token,omitempty" db:"reply_token"`
	ReplyTo        string            `json:"reply_to" db:"reply_to"`
	Subject        string            `json:"subject" db:"subject"`
	Status         ApplicationStatus `json:"status" db:"status"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`

	// Joined from jobs when the application references one.
	JobTitle     *string `json:"job_title,omitempty" db:"job_title"`
	HospitalName *string `json:"hospital_name,omitempty" db:"hospital_name"`
}

// Token returns the application's reply token, or "" when none was issued.
func (a *Application) Token() string {
	if a == nil || a.ReplyToken == nil {
		return ""
	}
	return strings.TrimSpace(*a.ReplyToken)
}

// RecipientDomain returns the lowercase domain of the hospital mailbox.
func (a *Application) RecipientDomain() string {
	if a == nil {
		return ""
	}
	return DomainOf(a.RecipientEmail)
}

// DomainOf returns the lowercase part after the last @, or "".
func DomainOf(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
		return addr[at+1:]
	}
	return ""
}

// LocalPartOf returns the lowercase part before the last @, or the whole value when there is none.
func LocalPartOf(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[:at]
	}
	return addr
}
