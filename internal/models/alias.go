package models

// Alias is a provisioned relay address owned by one user.
type Alias struct {
	ID          string `json:"id" db:"id"`
	UserID      string `json:"user_id" db:"user_id"`
	FullAddress string `json:"full_address" db:"full_address"`
	IsActive    bool   `json:"is_active" db:"is_active"`
}

// Profile carries the user fields the relay reads: the legacy alias column
// and the personal inbox replies are forwarded to.
type Profile struct {
	UserID     string  `json:"user_id" db:"user_id"`
	FullName   string  `json:"full_name" db:"full_name"`
	Email      *string `json:"email,omitempty" db:"email"`
	EmailAlias *string `json:"email_alias,omitempty" db:"email_alias"`
	AuthEmail  *string `json:"auth_email,omitempty" db:"auth_email"`
}

// ForwardAddress returns the profile email, falling back to the account's
// authentication email.
func (p *Profile) ForwardAddress() string {
	if p == nil {
		return ""
	}
	if p.Email != nil && *p.Email != "" {
		return *p.Email
	}
	if p.AuthEmail != nil {
		return *p.AuthEmail
	}
	return ""
}
