package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenizer(t *testing.T) *JWTTokenizer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return NewJWTTokenizer(key, time.Minute).(*JWTTokenizer)
}

func TestChallengeTokenRoundTrip(t *testing.T) {
	tk := newTestTokenizer(t)

	now := time.Now().Truncate(time.Second)
	msg := core.NewMessageAt(core.ChainSolana, "So1ana", "app.example", "https://app.example", "", &core.MessageOptions{
		Statement: core.ChainSolana.DefaultStatement(),
		Resources: []string{"https://app.example/tos"},
	}, now)
	challenge := &core.Challenge{ID: "c-1", Message: msg, IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute)}

	token, err := tk.ChallengeToToken(challenge)
	require.NoError(t, err)

	got, err := tk.TokenToChallenge(token)
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ID)
	assert.Equal(t, msg, got.Message)
	assert.Equal(t, core.FormatMessage(msg), got.Text)
	assert.True(t, got.ExpiresAt.Equal(challenge.ExpiresAt))
}

func TestChallengeTokenRejectedAsAccessToken(t *testing.T) {
	tk := newTestTokenizer(t)

	now := time.Now()
	msg := core.NewMessageAt(core.ChainEthereum, "0xabc", "d", "https://d", "", nil, now)
	token, err := tk.ChallengeToToken(&core.Challenge{ID: "x", Message: msg, IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	_, err = tk.AccessTokenToSession(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestExpiredChallenge(t *testing.T) {
	tk := newTestTokenizer(t)

	past := time.Now().Add(-time.Hour)
	msg := core.NewMessageAt(core.ChainBitcoin, "1abc", "d", "https://d", "", nil, past)
	token, err := tk.ChallengeToToken(&core.Challenge{ID: "x", Message: msg, IssuedAt: past, ExpiresAt: past.Add(time.Minute)})
	require.NoError(t, err)

	_, err = tk.TokenToChallenge(token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	tk := newTestTokenizer(t)

	now := time.Now()
	session := &core.Session{
		SessionID: "siwe-0xabc-1",
		Chain:     core.ChainEthereum,
		Address:   "0xabc",
		Principal: principal.NewSelfAuthenticating([]byte("public key")),
		CreatedAt: uint64(now.UnixNano()),
		ExpiresAt: uint64(now.Add(time.Hour).UnixNano()),
	}

	token, err := tk.SessionToAccessToken(session)
	require.NoError(t, err)

	got, err := tk.AccessTokenToSession(token)
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, got.SessionID)
	assert.Equal(t, session.Chain, got.Chain)
	assert.Equal(t, session.Address, got.Address)
	assert.Equal(t, session.PrincipalText(), got.PrincipalText())
	assert.Equal(t, session.ExpiresAt, got.ExpiresAt)
}

func TestAccessTokenNeverOutlivesSession(t *testing.T) {
	tk := newTestTokenizer(t)

	now := time.Now()
	session := &core.Session{
		SessionID: "s",
		Chain:     core.ChainSui,
		Address:   "0x1",
		Principal: principal.NewSelfAuthenticating([]byte("k")),
		ExpiresAt: uint64(now.Add(-time.Second).UnixNano()),
	}

	token, err := tk.SessionToAccessToken(session)
	require.NoError(t, err)

	_, err = tk.AccessTokenToSession(token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestForeignKeyRejected(t *testing.T) {
	a := newTestTokenizer(t)
	b := newTestTokenizer(t)

	session := &core.Session{SessionID: "s", Chain: core.ChainSui, Address: "0x1", Principal: principal.NewSelfAuthenticating([]byte("k"))}
	token, err := a.SessionToAccessToken(session)
	require.NoError(t, err)

	_, err = b.AccessTokenToSession(token)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}
