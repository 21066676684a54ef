package auth

import "crypto/subtle"

// WebhookAuthenticator checks the shared secret the provider sends with
// every webhook. An empty secret accepts everything.
type WebhookAuthenticator struct {
	secret []byte
}

func NewWebhookAuthenticator(secret string) *WebhookAuthenticator {
	return &WebhookAuthenticator{secret: []byte(secret)}
}

func (a *WebhookAuthenticator) Authenticate(header string) bool {
	if len(a.secret) == 0 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(header), a.secret) == 1
}
