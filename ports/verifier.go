package ports

import (
	"context"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
)

// Verifier is the remote service that checks a signature over the canonical
// message text and issues sessions. Lookups return core.ErrNotFound when the
// verifier has no record.
type Verifier interface {
	Verify(ctx context.Context, msg *core.SignInMessage, signature string) (*core.Session, error)
	GetSession(ctx context.Context, chain core.Chain, sessionID string) (*core.Session, error)
	GetPrincipalByAddress(ctx context.Context, chain core.Chain, address string) (principal.Principal, error)
	GetAddressByPrincipal(ctx context.Context, chain core.Chain, p principal.Principal) (string, error)
	RevokeSession(ctx context.Context, chain core.Chain, sessionID string) (bool, error)
	CleanupSessions(ctx context.Context, chain core.Chain) (uint64, error)
}
