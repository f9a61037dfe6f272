package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/google/uuid"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/sirupsen/logrus"
)

// DefaultChallengeTTL matches the verifier's nonce lifetime.
const DefaultChallengeTTL = 5 * time.Minute

// SignInOptions tune the sign-in message.
type SignInOptions struct {
	// ChainID overrides the chain id reported by the wallet.
	ChainID string
	Message *core.MessageOptions
}

// AuthService is the single entry point for chain sign-in
type AuthService struct {
	wallets    map[core.Chain]ports.WalletProvider
	dispatcher *Dispatcher
	verifier   ports.Verifier
	tokenizer  ports.Tokenizer
	store      ports.Store
	eventPub   ports.EventPublisher
	log        logrus.FieldLogger

	challengeTTL time.Duration
	now          func() time.Time
}

// NewAuthService creates a new authentication service. tokenizer, store and
// eventPub may be nil when the two-step flow and events are not needed.
func NewAuthService(
	verifier ports.Verifier,
	tokenizer ports.Tokenizer,
	store ports.Store,
	eventPub ports.EventPublisher,
	log logrus.FieldLogger,
) *AuthService {
	log = orDiscard(log)
	return &AuthService{
		wallets:      make(map[core.Chain]ports.WalletProvider),
		dispatcher:   NewDispatcher(verifier, log),
		verifier:     verifier,
		tokenizer:    tokenizer,
		store:        store,
		eventPub:     eventPub,
		log:          log,
		challengeTTL: DefaultChallengeTTL,
		now:          time.Now,
	}
}

// RegisterWallet makes p the wallet used for its chain.
func (s *AuthService) RegisterWallet(p ports.WalletProvider) {
	s.wallets[p.Chain()] = p
}

// checkChain rejects ICP and unknown chains before anything else happens.
func checkChain(chain core.Chain) error {
	if chain == core.ChainICP {
		return core.ErrICPDelegated
	}
	if !chain.Supported() {
		return fmt.Errorf("%w: %q", core.ErrUnsupportedChain, chain)
	}
	return nil
}

// SignInWithChain runs connect, sign and verify with the registered wallet.
func (s *AuthService) SignInWithChain(ctx context.Context, chain core.Chain, domain, uri string) (*core.SignInResult, error) {
	return s.SignInWithChainOptions(ctx, chain, domain, uri, SignInOptions{})
}

// SignInWithChainOptions is SignInWithChain with message options.
func (s *AuthService) SignInWithChainOptions(ctx context.Context, chain core.Chain, domain, uri string, opts SignInOptions) (*core.SignInResult, error) {
	if err := checkChain(chain); err != nil {
		return nil, err
	}

	provider, ok := s.wallets[chain]
	if !ok || !provider.IsAvailable() {
		return nil, &core.ProviderError{Chain: chain, Kind: core.ErrProviderUnavailable}
	}

	log := s.log.WithField("chain", chain)

	conn, err := provider.Connect(ctx)
	if err != nil {
		log.WithError(err).Error("wallet connect failed")
		return nil, err
	}
	log = log.WithField("address", conn.Address)

	chainID := opts.ChainID
	if chainID == "" {
		chainID = conn.ChainID
	}
	msgOpts := opts.Message
	if msgOpts == nil {
		msgOpts = &core.MessageOptions{Statement: chain.DefaultStatement()}
	}

	msg := core.NewMessageAt(chain, conn.Address, domain, uri, chainID, msgOpts, s.now())
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	sig, err := provider.SignMessage(ctx, core.FormatMessage(msg))
	if err != nil {
		log.WithError(err).Error("wallet signing failed")
		return nil, err
	}

	session, err := s.dispatcher.Verify(ctx, chain, msg, sig)
	if err != nil {
		return nil, err
	}

	s.signedIn(ctx, log, session)
	return &core.SignInResult{Session: session, Chain: chain}, nil
}

func (s *AuthService) signedIn(ctx context.Context, log logrus.FieldLogger, session *core.Session) {
	log.WithField("session_id", session.SessionID).Info("signed in")
	if s.eventPub == nil {
		return
	}
	if err := s.eventPub.PublishSignedIn(ctx, session); err != nil {
		log.WithError(err).Warn("failed to publish signed-in event")
	}
}

// GetSession reads a session from the verifier.
func (s *AuthService) GetSession(ctx context.Context, chain core.Chain, sessionID string) (*core.Session, error) {
	if err := checkChain(chain); err != nil {
		return nil, err
	}
	return s.verifier.GetSession(ctx, chain, sessionID)
}

// GetPrincipalByAddress reads the principal bound to address.
func (s *AuthService) GetPrincipalByAddress(ctx context.Context, chain core.Chain, address string) (principal.Principal, error) {
	if err := checkChain(chain); err != nil {
		return principal.Principal{}, err
	}
	return s.verifier.GetPrincipalByAddress(ctx, chain, address)
}

// GetAddressByPrincipal reads the address bound to p.
func (s *AuthService) GetAddressByPrincipal(ctx context.Context, chain core.Chain, p principal.Principal) (string, error) {
	if err := checkChain(chain); err != nil {
		return "", err
	}
	return s.verifier.GetAddressByPrincipal(ctx, chain, p)
}

// RevokeSession removes a session at the verifier and announces the logout.
func (s *AuthService) RevokeSession(ctx context.Context, chain core.Chain, sessionID string) (bool, error) {
	if err := checkChain(chain); err != nil {
		return false, err
	}

	removed, err := s.verifier.RevokeSession(ctx, chain, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishLogout(ctx, chain, sessionID); err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("failed to publish logout event")
		}
	}
	return removed, nil
}

// CleanupSessions drops expired sessions at the verifier.
func (s *AuthService) CleanupSessions(ctx context.Context, chain core.Chain) (uint64, error) {
	if err := checkChain(chain); err != nil {
		return 0, err
	}
	return s.verifier.CleanupSessions(ctx, chain)
}

// IssueChallenge creates the sign-in message for address and wraps it in a
// challenge token. The client signs challenge.Text and calls CompleteChallenge.
func (s *AuthService) IssueChallenge(ctx context.Context, chain core.Chain, address, domain, uri string, opts SignInOptions) (*core.Challenge, string, error) {
	if err := checkChain(chain); err != nil {
		return nil, "", err
	}
	if s.tokenizer == nil {
		return nil, "", fmt.Errorf("challenge tokens are not configured")
	}

	msgOpts := opts.Message
	if msgOpts == nil {
		msgOpts = &core.MessageOptions{Statement: chain.DefaultStatement()}
	}

	now := s.now()
	msg := core.NewMessageAt(chain, address, domain, uri, opts.ChainID, msgOpts, now)
	if err := msg.Validate(); err != nil {
		return nil, "", err
	}

	challenge := &core.Challenge{
		ID:        uuid.New().String(),
		Message:   msg,
		Text:      core.FormatMessage(msg),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}

	token, err := s.tokenizer.ChallengeToToken(challenge)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create token: %w", err)
	}

	return challenge, token, nil
}

// CompleteChallenge verifies the signature over a challenge and issues an
// access token for the new session.
func (s *AuthService) CompleteChallenge(ctx context.Context, challengeToken, signature string) (*core.SignInResult, string, error) {
	return s.CompleteSignedChallenge(ctx, "", challengeToken, "", signature)
}

// CompleteSignedChallenge is CompleteChallenge for clients that also submit
// the text their wallet signed. The text must parse to the challenge's
// message. A non-empty chain must match the chain the challenge was issued
// for; nothing is verified otherwise.
func (s *AuthService) CompleteSignedChallenge(ctx context.Context, chain core.Chain, challengeToken, signedText, signature string) (*core.SignInResult, string, error) {
	if s.tokenizer == nil {
		return nil, "", fmt.Errorf("challenge tokens are not configured")
	}

	challenge, err := s.tokenizer.TokenToChallenge(challengeToken)
	if err != nil {
		return nil, "", fmt.Errorf("invalid challenge token: %w", err)
	}
	if chain != "" && challenge.Message.Chain != chain {
		return nil, "", fmt.Errorf("%w: %s, not %s", core.ErrChallengeChain, challenge.Message.Chain, chain)
	}
	chain = challenge.Message.Chain
	if err := checkChain(chain); err != nil {
		return nil, "", err
	}

	if signedText != "" {
		parsed, err := core.ParseMessage(signedText)
		if err != nil {
			return nil, "", err
		}
		if core.FormatMessage(parsed) != challenge.Text {
			return nil, "", fmt.Errorf("%w: signed text does not match the challenge", core.ErrInvalidMessage)
		}
	}

	sig := &core.WalletSignature{Encoded: signature, Encoding: VerifierEncoding(chain)}
	session, err := s.dispatcher.Verify(ctx, chain, challenge.Message, sig)
	if err != nil {
		return nil, "", err
	}

	accessToken, err := s.tokenizer.SessionToAccessToken(session)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create access token: %w", err)
	}

	s.signedIn(ctx, s.log.WithFields(logrus.Fields{"chain": chain, "address": session.Address}), session)
	return &core.SignInResult{Session: session, Chain: chain}, accessToken, nil
}

// ValidateAccessToken returns the session of a valid, not logged out, access token.
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*core.Session, error) {
	if s.tokenizer == nil {
		return nil, core.ErrInvalidToken
	}

	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	if session.ExpiresAt > 0 && session.Expired(s.now()) {
		return nil, core.ErrTokenExpired
	}

	if s.store != nil {
		invalidated, err := s.store.IsTokenInvalidated(ctx, session.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token invalidation: %w", err)
		}
		if invalidated {
			return nil, core.ErrTokenInvalidated
		}
	}

	return session, nil
}

// Logout revokes the session behind accessToken and invalidates every access
// token issued for it.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	session, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}

	if _, err := s.RevokeSession(ctx, session.Chain, session.SessionID); err != nil {
		return err
	}

	if s.store == nil {
		return nil
	}

	// Expired sessions still get a short invalidation record.
	remaining := time.Hour
	if session.ExpiresAt > 0 && !session.Expired(s.now()) {
		remaining = session.ExpiresTime().Sub(s.now())
	}
	if err := s.store.InvalidateToken(ctx, session.SessionID, remaining); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}

func orDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
