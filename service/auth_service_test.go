package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/raven-ecosystem/ravenauth/adapters/store"
	"github.com/raven-ecosystem/ravenauth/adapters/tokenizer"
	"github.com/raven-ecosystem/ravenauth/adapters/verifier"
	"github.com/raven-ecosystem/ravenauth/adapters/wallet"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secpKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	edSeed  = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

	testDomain = "raven.example"
	testURI    = "https://raven.example/login"
)

func keyFor(chain core.Chain) string {
	if chain == core.ChainEthereum || chain == core.ChainBitcoin {
		return secpKey
	}
	return edSeed
}

type recordingPublisher struct {
	mu        sync.Mutex
	signedIn  []*core.Session
	logouts   []string
	failAfter bool
}

func (p *recordingPublisher) PublishSignedIn(_ context.Context, s *core.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter {
		return errors.New("broker down")
	}
	p.signedIn = append(p.signedIn, s)
	return nil
}

func (p *recordingPublisher) PublishLogout(_ context.Context, _ core.Chain, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, sessionID)
	return nil
}

func (p *recordingPublisher) PublishSignerDisconnected(context.Context, string) error {
	return nil
}

// countingWallet records calls to a wrapped wallet.
type countingWallet struct {
	ports.WalletProvider
	connects, signs int
}

func (w *countingWallet) Connect(ctx context.Context) (*core.WalletConnection, error) {
	w.connects++
	return w.WalletProvider.Connect(ctx)
}

func (w *countingWallet) SignMessage(ctx context.Context, text string) (*core.WalletSignature, error) {
	w.signs++
	return w.WalletProvider.SignMessage(ctx, text)
}

func newTestService(t *testing.T) (*AuthService, *recordingPublisher) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	svc := NewAuthService(
		verifier.NewMemoryVerifier(verifier.WithSignatureChecker(verifier.CryptoChecker)),
		tokenizer.NewJWTTokenizer(key, 0),
		store.NewMemoryStore(),
		pub,
		nil,
	)
	return svc, pub
}

func registerWallet(t *testing.T, svc *AuthService, chain core.Chain, opts ...wallet.Option) ports.WalletProvider {
	t.Helper()
	w, err := wallet.FromKey(chain, keyFor(chain), opts...)
	require.NoError(t, err)
	svc.RegisterWallet(w)
	return w
}

func TestSignInWithChain(t *testing.T) {
	for _, chain := range core.SupportedChains() {
		t.Run(string(chain), func(t *testing.T) {
			svc, pub := newTestService(t)
			w := registerWallet(t, svc, chain)
			conn, err := w.Connect(context.Background())
			require.NoError(t, err)

			res, err := svc.SignInWithChain(context.Background(), chain, testDomain, testURI)
			require.NoError(t, err)
			assert.Equal(t, chain, res.Chain)
			assert.Equal(t, chain, res.Session.Chain)
			assert.Equal(t, conn.Address, res.Session.Address)
			assert.NotEmpty(t, res.Session.SessionID)

			p, err := svc.GetPrincipalByAddress(context.Background(), chain, conn.Address)
			require.NoError(t, err)
			assert.Equal(t, res.Session.Principal, p)

			addr, err := svc.GetAddressByPrincipal(context.Background(), chain, p)
			require.NoError(t, err)
			assert.Equal(t, conn.Address, addr)

			s, err := svc.GetSession(context.Background(), chain, res.Session.SessionID)
			require.NoError(t, err)
			assert.Equal(t, res.Session.SessionID, s.SessionID)

			require.Len(t, pub.signedIn, 1)
			assert.Equal(t, res.Session.SessionID, pub.signedIn[0].SessionID)
		})
	}
}

func TestSignInRejectsICPBeforeAnyCall(t *testing.T) {
	svc, _ := newTestService(t)
	w := &countingWallet{WalletProvider: registerWallet(t, svc, core.ChainEthereum)}
	svc.wallets[core.ChainICP] = w

	_, err := svc.SignInWithChain(context.Background(), core.ChainICP, testDomain, testURI)
	assert.ErrorIs(t, err, core.ErrICPDelegated)
	assert.Zero(t, w.connects)
	assert.Zero(t, w.signs)

	_, err = svc.GetSession(context.Background(), core.ChainICP, "x")
	assert.ErrorIs(t, err, core.ErrICPDelegated)
}

func TestSignInErrors(t *testing.T) {
	svc, pub := newTestService(t)

	_, err := svc.SignInWithChain(context.Background(), core.Chain("dogecoin"), testDomain, testURI)
	assert.ErrorIs(t, err, core.ErrUnsupportedChain)

	_, err = svc.SignInWithChain(context.Background(), core.ChainSolana, testDomain, testURI)
	assert.ErrorIs(t, err, core.ErrProviderUnavailable)

	svc.RegisterWallet(wallet.NewEthereumWallet(nil))
	_, err = svc.SignInWithChain(context.Background(), core.ChainEthereum, testDomain, testURI)
	assert.ErrorIs(t, err, core.ErrProviderUnavailable)

	registerWallet(t, svc, core.ChainSui, wallet.WithApprover(wallet.Reject))
	_, err = svc.SignInWithChain(context.Background(), core.ChainSui, testDomain, testURI)
	assert.ErrorIs(t, err, core.ErrUserRejected)

	_, err = svc.SignInWithChain(context.Background(), core.ChainBitcoin, "", testURI)
	assert.ErrorIs(t, err, core.ErrProviderUnavailable)

	registerWallet(t, svc, core.ChainBitcoin)
	_, err = svc.SignInWithChain(context.Background(), core.ChainBitcoin, "", testURI)
	assert.ErrorIs(t, err, core.ErrInvalidMessage)

	assert.Empty(t, pub.signedIn)
}

func TestSignInRejectsRefusedSignature(t *testing.T) {
	svc, _ := newTestService(t)
	var asked []wallet.Action
	registerWallet(t, svc, core.ChainEthereum, wallet.WithApprover(func(_ context.Context, a wallet.Action, _ string) error {
		asked = append(asked, a)
		if a == wallet.ActionSign {
			return core.ClassifyProviderError(core.ChainEthereum, 4001, "User denied message signature")
		}
		return nil
	}))

	_, err := svc.SignInWithChain(context.Background(), core.ChainEthereum, testDomain, testURI)
	var perr *core.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 4001, perr.Code)
	assert.ErrorIs(t, err, core.ErrUserRejected)
	assert.Equal(t, []wallet.Action{wallet.ActionConnect, wallet.ActionSign}, asked)
}

func TestSignInPublishFailureIsNotFatal(t *testing.T) {
	svc, pub := newTestService(t)
	pub.failAfter = true
	registerWallet(t, svc, core.ChainSolana)

	res, err := svc.SignInWithChain(context.Background(), core.ChainSolana, testDomain, testURI)
	require.NoError(t, err)
	assert.NotNil(t, res.Session)
}

func TestSignInWithChainOptions(t *testing.T) {
	svc, _ := newTestService(t)
	registerWallet(t, svc, core.ChainEthereum)

	res, err := svc.SignInWithChainOptions(context.Background(), core.ChainEthereum, testDomain, testURI, SignInOptions{
		ChainID: "137",
		Message: &core.MessageOptions{Statement: "Polygon login", Resources: []string{"https://raven.example/a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, core.ChainEthereum, res.Chain)
}

func TestChallengeFlow(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(t)
	w, err := wallet.FromKey(core.ChainEthereum, secpKey)
	require.NoError(t, err)
	conn, err := w.Connect(ctx)
	require.NoError(t, err)

	challenge, token, err := svc.IssueChallenge(ctx, core.ChainEthereum, conn.Address, testDomain, testURI, SignInOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.FormatMessage(challenge.Message), challenge.Text)
	assert.Equal(t, "1", challenge.Message.ChainID)
	assert.Equal(t, core.ChainEthereum.DefaultStatement(), challenge.Message.Statement)

	sig, err := w.SignMessage(ctx, challenge.Text)
	require.NoError(t, err)

	res, access, err := svc.CompleteChallenge(ctx, token, sig.Encoded)
	require.NoError(t, err)
	assert.Equal(t, conn.Address, res.Session.Address)
	assert.NotEmpty(t, access)
	assert.Len(t, pub.signedIn, 1)

	s, err := svc.ValidateAccessToken(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, res.Session.SessionID, s.SessionID)

	// The nonce was consumed.
	_, _, err = svc.CompleteChallenge(ctx, token, sig.Encoded)
	assert.ErrorIs(t, err, core.ErrVerificationFailed)

	require.NoError(t, svc.Logout(ctx, access))
	_, err = svc.ValidateAccessToken(ctx, access)
	assert.ErrorIs(t, err, core.ErrTokenInvalidated)
	_, err = svc.GetSession(ctx, core.ChainEthereum, res.Session.SessionID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, []string{res.Session.SessionID}, pub.logouts)
}

func TestChallengeFlowSolana(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	w, err := wallet.FromKey(core.ChainSolana, edSeed)
	require.NoError(t, err)
	conn, err := w.Connect(ctx)
	require.NoError(t, err)

	challenge, token, err := svc.IssueChallenge(ctx, core.ChainSolana, conn.Address, testDomain, testURI, SignInOptions{})
	require.NoError(t, err)

	sig, err := w.SignMessage(ctx, challenge.Text)
	require.NoError(t, err)
	encoded, err := EncodeSignature(core.ChainSolana, sig)
	require.NoError(t, err)

	res, _, err := svc.CompleteChallenge(ctx, token, encoded)
	require.NoError(t, err)
	assert.Equal(t, core.ChainSolana, res.Chain)
}

func TestChallengeWrongSigner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, token, err := svc.IssueChallenge(ctx, core.ChainEthereum, "0x0000000000000000000000000000000000000001", testDomain, testURI, SignInOptions{})
	require.NoError(t, err)

	w, err := wallet.FromKey(core.ChainEthereum, secpKey)
	require.NoError(t, err)
	sig, err := w.SignMessage(ctx, "something else")
	require.NoError(t, err)

	_, _, err = svc.CompleteChallenge(ctx, token, sig.Encoded)
	var verr *core.VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, verifier.ReasonBadSignature, verr.Reason)
}

func TestCompleteSignedChallenge(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(t)
	w, err := wallet.FromKey(core.ChainEthereum, secpKey)
	require.NoError(t, err)
	conn, err := w.Connect(ctx)
	require.NoError(t, err)

	challenge, token, err := svc.IssueChallenge(ctx, core.ChainEthereum, conn.Address, testDomain, testURI, SignInOptions{})
	require.NoError(t, err)
	sig, err := w.SignMessage(ctx, challenge.Text)
	require.NoError(t, err)

	tampered := strings.Replace(challenge.Text, challenge.Message.Nonce, strings.Repeat("0", len(challenge.Message.Nonce)), 1)
	_, _, err = svc.CompleteSignedChallenge(ctx, core.ChainEthereum, token, tampered, sig.Encoded)
	assert.ErrorIs(t, err, core.ErrInvalidMessage)

	_, _, err = svc.CompleteSignedChallenge(ctx, core.ChainEthereum, token, "hello", sig.Encoded)
	assert.ErrorIs(t, err, core.ErrInvalidMessage)

	res, _, err := svc.CompleteSignedChallenge(ctx, core.ChainEthereum, token, challenge.Text, sig.Encoded)
	require.NoError(t, err)
	assert.Equal(t, conn.Address, res.Session.Address)
	assert.Len(t, pub.signedIn, 1)
}

func TestCompleteSignedChallengeWrongChainVerifiesNothing(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(t)
	w, err := wallet.FromKey(core.ChainEthereum, secpKey)
	require.NoError(t, err)
	conn, err := w.Connect(ctx)
	require.NoError(t, err)

	challenge, token, err := svc.IssueChallenge(ctx, core.ChainEthereum, conn.Address, testDomain, testURI, SignInOptions{})
	require.NoError(t, err)
	sig, err := w.SignMessage(ctx, challenge.Text)
	require.NoError(t, err)

	_, _, err = svc.CompleteSignedChallenge(ctx, core.ChainSolana, token, challenge.Text, sig.Encoded)
	assert.ErrorIs(t, err, core.ErrChallengeChain)
	assert.Empty(t, pub.signedIn)

	_, err = svc.GetPrincipalByAddress(ctx, core.ChainEthereum, conn.Address)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The nonce was not consumed, so the right chain still succeeds.
	res, _, err := svc.CompleteSignedChallenge(ctx, core.ChainEthereum, token, challenge.Text, sig.Encoded)
	require.NoError(t, err)
	assert.Equal(t, core.ChainEthereum, res.Chain)
}

func TestCompleteChallengeRejectsGarbageToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.CompleteChallenge(context.Background(), "not-a-token", "0x00")
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	_, err = svc.ValidateAccessToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestRevokeAndCleanup(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(t)
	registerWallet(t, svc, core.ChainBitcoin)

	res, err := svc.SignInWithChain(ctx, core.ChainBitcoin, testDomain, testURI)
	require.NoError(t, err)

	removed, err := svc.RevokeSession(ctx, core.ChainBitcoin, res.Session.SessionID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Len(t, pub.logouts, 1)

	n, err := svc.CleanupSessions(ctx, core.ChainBitcoin)
	require.NoError(t, err)
	assert.Zero(t, n)
}
