package ports

import (
	"context"

	"github.com/raven-ecosystem/ravenauth/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishSignedIn(ctx context.Context, session *core.Session) error
	PublishLogout(ctx context.Context, chain core.Chain, sessionID string) error
	PublishSignerDisconnected(ctx context.Context, principal string) error
}
