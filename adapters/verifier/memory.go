package verifier

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultNonceTTL is how old a message's IssuedAt may be.
	DefaultNonceTTL = 5 * time.Minute
	// MaxClockSkew is how far a message's IssuedAt may lie in the future.
	MaxClockSkew = 30 * time.Second
	// SessionLifetime matches the canisters.
	SessionLifetime = 7 * 24 * time.Hour
)

// Rejection reasons, worded as the canisters word them.
const (
	ReasonMissingFields = "Invalid message: missing required fields"
	ReasonBadSignature  = "Invalid signature"
	ReasonNonceReused   = "Nonce already used"
	ReasonStale         = "Message is too old"
	ReasonFuture        = "Message issued in the future"
	ReasonExpired       = "Message expired"
	ReasonNotYetValid   = "Message not yet valid"
	ReasonBadTimestamp  = "Invalid timestamp"
)

// SessionPrefix is the session id prefix each canister uses.
func SessionPrefix(chain core.Chain) string {
	switch chain {
	case core.ChainEthereum:
		return "siwe"
	case core.ChainSolana:
		return "siws"
	case core.ChainBitcoin:
		return "siwb"
	case core.ChainSui:
		return "sis"
	}
	return string(chain)
}

// DerivePrincipal maps an address to the first 29 bytes of its sha256.
func DerivePrincipal(address string) principal.Principal {
	sum := sha256.Sum256([]byte(address))
	return principal.Principal{Raw: append([]byte(nil), sum[:29]...)}
}

type chainState struct {
	sessions           map[string]*core.Session
	addressToPrincipal map[string]principal.Principal
	principalToAddress map[string]string
}

// MemoryVerifier is an in-process verifier that keeps the canisters' session
// bookkeeping and adds single-use nonces and timestamp checks.
type MemoryVerifier struct {
	mu       sync.Mutex
	chains   map[core.Chain]*chainState
	nonces   map[string]time.Time // nonce -> forget after
	nonceTTL time.Duration
	check    SignatureChecker
	now      func() time.Time
	log      logrus.FieldLogger
}

// MemoryOption configures a MemoryVerifier.
type MemoryOption func(*MemoryVerifier)

// WithNonceTTL sets the accepted message age.
func WithNonceTTL(d time.Duration) MemoryOption {
	return func(v *MemoryVerifier) { v.nonceTTL = d }
}

// WithSignatureChecker replaces PresenceChecker.
func WithSignatureChecker(c SignatureChecker) MemoryOption {
	return func(v *MemoryVerifier) { v.check = c }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(v *MemoryVerifier) { v.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) MemoryOption {
	return func(v *MemoryVerifier) { v.log = log }
}

// NewMemoryVerifier creates an empty verifier.
func NewMemoryVerifier(opts ...MemoryOption) *MemoryVerifier {
	v := &MemoryVerifier{
		chains:   make(map[core.Chain]*chainState),
		nonces:   make(map[string]time.Time),
		nonceTTL: DefaultNonceTTL,
		check:    PresenceChecker,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = orDiscard(v.log)
	return v
}

var _ ports.Verifier = (*MemoryVerifier)(nil)

func (v *MemoryVerifier) state(chain core.Chain) *chainState {
	s, ok := v.chains[chain]
	if !ok {
		s = &chainState{
			sessions:           make(map[string]*core.Session),
			addressToPrincipal: make(map[string]principal.Principal),
			principalToAddress: make(map[string]string),
		}
		v.chains[chain] = s
	}
	return s
}

func reject(chain core.Chain, reason string) error {
	return &core.VerificationError{Chain: chain, Reason: reason}
}

// checkTimes validates the message's timestamps and returns its IssuedAt.
func (v *MemoryVerifier) checkTimes(msg *core.SignInMessage, now time.Time) (time.Time, error) {
	issued, err := time.Parse(core.TimestampLayout, msg.IssuedAt)
	if err != nil {
		return time.Time{}, reject(msg.Chain, ReasonBadTimestamp)
	}
	if now.Sub(issued) > v.nonceTTL {
		return time.Time{}, reject(msg.Chain, ReasonStale)
	}
	if issued.Sub(now) > MaxClockSkew {
		return time.Time{}, reject(msg.Chain, ReasonFuture)
	}
	if msg.ExpirationTime != "" {
		exp, err := time.Parse(core.TimestampLayout, msg.ExpirationTime)
		if err != nil {
			return time.Time{}, reject(msg.Chain, ReasonBadTimestamp)
		}
		if !now.Before(exp) {
			return time.Time{}, reject(msg.Chain, ReasonExpired)
		}
	}
	if msg.NotBefore != "" {
		nbf, err := time.Parse(core.TimestampLayout, msg.NotBefore)
		if err != nil {
			return time.Time{}, reject(msg.Chain, ReasonBadTimestamp)
		}
		if now.Before(nbf) {
			return time.Time{}, reject(msg.Chain, ReasonNotYetValid)
		}
	}
	return issued, nil
}

// Verify checks the message and records a seven day session.
func (v *MemoryVerifier) Verify(ctx context.Context, msg *core.SignInMessage, signature string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !msg.Chain.Supported() {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedChain, msg.Chain)
	}
	if msg.Domain == "" || msg.Address == "" {
		return nil, reject(msg.Chain, ReasonMissingFields)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for n, until := range v.nonces {
		if now.After(until) {
			delete(v.nonces, n)
		}
	}

	issued, err := v.checkTimes(msg, now)
	if err != nil {
		return nil, err
	}
	if _, used := v.nonces[msg.Nonce]; used {
		return nil, reject(msg.Chain, ReasonNonceReused)
	}
	if err := v.check(msg.Chain, msg.Address, core.FormatMessage(msg), signature); err != nil {
		v.log.WithFields(logrus.Fields{"chain": msg.Chain, "address": msg.Address}).WithError(err).Debug("signature rejected")
		return nil, reject(msg.Chain, ReasonBadSignature)
	}

	// Only a successful verification consumes the nonce. It is remembered
	// for as long as the message itself would be accepted.
	until := now
	if issued.After(until) {
		until = issued
	}
	v.nonces[msg.Nonce] = until.Add(v.nonceTTL)

	p := DerivePrincipal(msg.Address)
	ns := uint64(now.UnixNano())
	session := &core.Session{
		SessionID: fmt.Sprintf("%s-%s-%d", SessionPrefix(msg.Chain), msg.Address, ns),
		Chain:     msg.Chain,
		Address:   msg.Address,
		Principal: p,
		CreatedAt: ns,
		ExpiresAt: ns + uint64(SessionLifetime.Nanoseconds()),
	}

	st := v.state(msg.Chain)
	st.sessions[session.SessionID] = session
	st.addressToPrincipal[msg.Address] = p
	st.principalToAddress[p.String()] = msg.Address

	copied := *session
	return &copied, nil
}

func (v *MemoryVerifier) GetSession(ctx context.Context, chain core.Chain, sessionID string) (*core.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.state(chain).sessions[sessionID]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (v *MemoryVerifier) GetPrincipalByAddress(ctx context.Context, chain core.Chain, address string) (principal.Principal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.state(chain).addressToPrincipal[address]
	if !ok {
		return principal.Principal{}, core.ErrNotFound
	}
	return p, nil
}

func (v *MemoryVerifier) GetAddressByPrincipal(ctx context.Context, chain core.Chain, p principal.Principal) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	a, ok := v.state(chain).principalToAddress[p.String()]
	if !ok {
		return "", core.ErrNotFound
	}
	return a, nil
}

func (v *MemoryVerifier) RevokeSession(ctx context.Context, chain core.Chain, sessionID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := v.state(chain)
	if _, ok := st.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(st.sessions, sessionID)
	return true, nil
}

// CleanupSessions drops expired sessions. Address mappings are kept, as the
// canisters keep them.
func (v *MemoryVerifier) CleanupSessions(ctx context.Context, chain core.Chain) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := uint64(v.now().UnixNano())
	st := v.state(chain)

	var expired []string
	for id, s := range st.sessions {
		if s.ExpiresAt < now {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(st.sessions, id)
	}
	return uint64(len(expired)), nil
}
