package postmaster

import (
	"errors"

	"github.com/medapply/replyrelay/internal/email/inbound/address"
	"github.com/medapply/replyrelay/internal/email/inbound/direct"
	"github.com/medapply/replyrelay/internal/email/inbound/directory"
)

// Error classes surfaced to the webhook caller. Anything else is a
// persistence failure the provider should retry.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrRecipientUnrecognized = address.ErrRecipientUnrecognized
	ErrNotFound              = direct.ErrNotFound
	ErrAliasNotFound         = directory.ErrAliasNotFound
)
