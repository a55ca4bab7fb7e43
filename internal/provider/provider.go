// Package provider delivers rendered messages to an email service provider.
package provider

import (
	"context"
	"errors"
)

// ErrProvider wraps every failed send.
var ErrProvider = errors.New("provider send failed")

// Message is one fully rendered email in plaintext.
type Message struct {
	To      string
	From    string
	Subject string
	HTML    string
	Text    string
	Tags    map[string]string
}

// Provider sends a message using the credential of the sending domain and
// returns the provider's message id.
type Provider interface {
	Send(ctx context.Context, credential string, msg Message) (string, error)
}
