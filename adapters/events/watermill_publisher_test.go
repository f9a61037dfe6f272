package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribe(t *testing.T, pubSub *gochannel.GoChannel, topic string) <-chan *message.Message {
	t.Helper()
	ch, err := pubSub.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishEvents(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	signedIn := subscribe(t, pubSub, TopicSignedIn)
	logout := subscribe(t, pubSub, TopicLogout)
	disconnected := subscribe(t, pubSub, TopicSignerDisconnected)

	pub := NewWatermillPublisher(pubSub)
	ctx := context.Background()

	session := &core.Session{
		SessionID: "siws-abc-1",
		Chain:     core.ChainSolana,
		Address:   "abc",
		Principal: principal.NewSelfAuthenticating([]byte("k")),
		ExpiresAt: 42,
	}
	require.NoError(t, pub.PublishSignedIn(ctx, session))

	msg := receive(t, signedIn)
	assert.Equal(t, "siws-abc-1", msg.UUID)
	var ev SignedInEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, core.ChainSolana, ev.Chain)
	assert.Equal(t, session.PrincipalText(), ev.Principal)
	assert.EqualValues(t, 42, ev.ExpiresAt)

	require.NoError(t, pub.PublishLogout(ctx, core.ChainSolana, "siws-abc-1"))
	var out LogoutEvent
	require.NoError(t, json.Unmarshal(receive(t, logout).Payload, &out))
	assert.Equal(t, "siws-abc-1", out.SessionID)

	require.NoError(t, pub.PublishSignerDisconnected(ctx, "aaaaa-aa"))
	var d SignerDisconnectedEvent
	require.NoError(t, json.Unmarshal(receive(t, disconnected).Payload, &d))
	assert.Equal(t, "aaaaa-aa", d.Principal)
}
