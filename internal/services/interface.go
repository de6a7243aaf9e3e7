package services

import (
	"context"
	"errors"
)

// ErrNoRecipient is returned when the context carries no address for a channel.
var ErrNoRecipient = errors.New("no recipient for channel")

// Email is an outbound email message.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Mailer sends email on behalf of a sender account. An empty senderID uses
// the gateway's default account.
type Mailer interface {
	Send(ctx context.Context, senderID string, msg Email) error
}

// Identity is the resolved sending identity for text channels.
type Identity struct {
	From string `json:"from"`
	Tier string `json:"tier"`
}

// IdentityResolver maps a sender account to the identity and tier used for
// SMS and WhatsApp.
type IdentityResolver interface {
	Resolve(ctx context.Context, senderID string) (*Identity, error)
}

// TextSender delivers a plain-text message (SMS or WhatsApp).
type TextSender interface {
	Send(ctx context.Context, from, to, body string) error
}
