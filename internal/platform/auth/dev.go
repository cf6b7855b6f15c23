package auth

import (
	"context"
	"net/http"
	"strings"
)

// DevAuthenticator resolves every request to a fixed identity. For
// local development only. The X-Dev-Subject header, when present,
// overrides the configured subject so ownership paths can be exercised
// without a real token.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	identity := a.identity
	if subject := strings.TrimSpace(r.Header.Get("X-Dev-Subject")); subject != "" {
		identity.Subject = subject
	}
	return identity, nil
}
