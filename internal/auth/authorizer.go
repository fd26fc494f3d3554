package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
)

// AdminAuthorizer is the secondary gate on ledger overrides: the caller must
// present one of the configured admin tokens and name an actor. With no
// tokens configured every request is refused.
type AdminAuthorizer struct {
	tokens [][]byte
	logger *slog.Logger
}

func NewAdminAuthorizer(tokens []string, logger *slog.Logger) *AdminAuthorizer {
	a := &AdminAuthorizer{logger: logger.With("component", "admin_auth")}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

func (a *AdminAuthorizer) Authorized(ctx context.Context, actorID string) bool {
	if strings.TrimSpace(actorID) == "" {
		return false
	}
	presented := []byte(adminToken(ctx))
	if len(presented) == 0 {
		a.logger.Warn("admin override without token", "actor", actorID)
		return false
	}

	ok := false
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(presented, t) == 1 {
			ok = true
		}
	}
	if !ok {
		a.logger.Warn("admin override refused", "actor", actorID)
	}
	return ok
}
