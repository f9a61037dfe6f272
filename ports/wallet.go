package ports

import (
	"context"

	"github.com/raven-ecosystem/ravenauth/core"
)

// WalletProvider is the narrow capability contract of a chain wallet.
// Implementations never retry: one call, one user prompt.
type WalletProvider interface {
	Chain() core.Chain
	// IsAvailable reports whether the wallet is installed.
	IsAvailable() bool
	// Connect requests account access.
	Connect(ctx context.Context) (*core.WalletConnection, error)
	// SignMessage signs the canonical sign-in text.
	SignMessage(ctx context.Context, text string) (*core.WalletSignature, error)
}
