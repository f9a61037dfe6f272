package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
)

const (
	TopicSignedIn           = "auth.signed_in"
	TopicLogout             = "auth.logout"
	TopicSignerDisconnected = "signer.disconnected"
)

// SignedInEvent is published after a successful sign-in
type SignedInEvent struct {
	Chain     core.Chain `json:"chain"`
	Address   string     `json:"address"`
	Principal string     `json:"principal"`
	SessionID string     `json:"session_id"`
	ExpiresAt uint64     `json:"expires_at"`
}

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Chain     core.Chain `json:"chain"`
	SessionID string     `json:"session_id"`
	At        time.Time  `json:"at"`
}

// SignerDisconnectedEvent is published when the signer window goes away
type SignerDisconnectedEvent struct {
	Principal string    `json:"principal"`
	At        time.Time `json:"at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishSignedIn publishes a sign-in event
func (p *WatermillPublisher) PublishSignedIn(ctx context.Context, session *core.Session) error {
	return p.publish(ctx, TopicSignedIn, session.SessionID, SignedInEvent{
		Chain:     session.Chain,
		Address:   session.Address,
		Principal: session.PrincipalText(),
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt,
	})
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, chain core.Chain, sessionID string) error {
	return p.publish(ctx, TopicLogout, sessionID, LogoutEvent{
		Chain:     chain,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	})
}

// PublishSignerDisconnected publishes a signer disconnect event
func (p *WatermillPublisher) PublishSignerDisconnected(ctx context.Context, principal string) error {
	return p.publish(ctx, TopicSignerDisconnected, uuid.NewString(), SignerDisconnectedEvent{
		Principal: principal,
		At:        time.Now().UTC(),
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
