package verifier

import (
	"context"
	"fmt"
	"io"

	"github.com/aviate-labs/agent-go"
	"github.com/aviate-labs/agent-go/candid/idl"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
	"github.com/sirupsen/logrus"
)

// VerifyMethod is the canister update method that verifies a chain's messages.
func VerifyMethod(chain core.Chain) string {
	switch chain {
	case core.ChainEthereum:
		return "verify_siwe"
	case core.ChainSolana:
		return "verify_siws"
	case core.ChainBitcoin:
		return "verify_siwb"
	case core.ChainSui:
		return "verify_sis"
	}
	return ""
}

// caller is the part of *agent.Agent the verifier uses.
type caller interface {
	Call(canisterID principal.Principal, methodName string, args []byte, values []any) error
	Query(canisterID principal.Principal, methodName string, args []byte, values []any) error
}

type canister struct {
	id    principal.Principal
	agent caller
}

// CanisterVerifier talks to one sign-in canister per chain.
type CanisterVerifier struct {
	canisters map[core.Chain]canister
	log       logrus.FieldLogger
}

// NewCanisterVerifier creates a verifier for the chains in canisterIDs, all
// reached through one agent configuration.
func NewCanisterVerifier(cfg agent.Config, canisterIDs map[core.Chain]string, log logrus.FieldLogger) (*CanisterVerifier, error) {
	a, err := agent.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	v := &CanisterVerifier{canisters: make(map[core.Chain]canister), log: orDiscard(log)}
	for chain, text := range canisterIDs {
		if text == "" {
			continue
		}
		id, err := principal.Decode(text)
		if err != nil {
			return nil, fmt.Errorf("invalid %s canister id %q: %w", chain, text, err)
		}
		v.canisters[chain] = canister{id: id, agent: a}
	}
	return v, nil
}

var _ ports.Verifier = (*CanisterVerifier)(nil)

func (v *CanisterVerifier) lookup(ctx context.Context, chain core.Chain) (canister, error) {
	if err := ctx.Err(); err != nil {
		return canister{}, err
	}
	c, ok := v.canisters[chain]
	if !ok {
		return canister{}, fmt.Errorf("%w: no canister configured for %s", core.ErrUnsupportedChain, chain)
	}
	return c, nil
}

// Verify calls verify_* exactly once. Err variants become *core.VerificationError.
func (v *CanisterVerifier) Verify(ctx context.Context, msg *core.SignInMessage, signature string) (*core.Session, error) {
	c, err := v.lookup(ctx, msg.Chain)
	if err != nil {
		return nil, err
	}

	wire, err := toWire(msg)
	if err != nil {
		return nil, err
	}
	args, err := idl.Marshal([]any{wire, signature})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", VerifyMethod(msg.Chain), err)
	}

	log := v.log.WithFields(logrus.Fields{"chain": msg.Chain, "address": msg.Address, "method": VerifyMethod(msg.Chain)})
	log.Debug("verifying sign-in message")

	return verifyCall(c, msg.Chain, args)
}

// verifyCall reads the Result variant as a map keyed by arm.
func verifyCall(c canister, chain core.Chain, args []byte) (*core.Session, error) {
	var r map[string]any
	if err := c.agent.Call(c.id, VerifyMethod(chain), args, []any{&r}); err != nil {
		return nil, fmt.Errorf("%s failed: %w", VerifyMethod(chain), err)
	}
	if reason, ok := lookupField(r, "Err"); ok {
		text, _ := reason.(string)
		return nil, &core.VerificationError{Chain: chain, Reason: text}
	}
	ok, found := lookupField(r, "Ok")
	if !found {
		return nil, &core.VerificationError{Chain: chain, Reason: "empty verifier response"}
	}
	s, err := sessionFromRecord(chain, ok)
	if err != nil {
		return nil, fmt.Errorf("%s returned %w", VerifyMethod(chain), err)
	}
	return s, nil
}

// GetSession queries get_session.
func (v *CanisterVerifier) GetSession(ctx context.Context, chain core.Chain, sessionID string) (*core.Session, error) {
	c, err := v.lookup(ctx, chain)
	if err != nil {
		return nil, err
	}
	args, err := idl.Marshal([]any{sessionID})
	if err != nil {
		return nil, err
	}

	switch chain {
	case core.ChainEthereum:
		return getSession[ethSession](c, chain, args)
	case core.ChainSolana:
		return getSession[solanaSession](c, chain, args)
	case core.ChainBitcoin:
		return getSession[bitcoinSession](c, chain, args)
	case core.ChainSui:
		return getSession[suiSession](c, chain, args)
	}
	return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedChain, chain)
}

func getSession[S sessionRecord](c canister, chain core.Chain, args []byte) (*core.Session, error) {
	var r *S
	if err := c.agent.Query(c.id, "get_session", args, []any{&r}); err != nil {
		return nil, fmt.Errorf("get_session failed: %w", err)
	}
	if r == nil {
		return nil, core.ErrNotFound
	}
	return toSession(chain, *r), nil
}

// GetPrincipalByAddress queries get_principal_by_address.
func (v *CanisterVerifier) GetPrincipalByAddress(ctx context.Context, chain core.Chain, address string) (principal.Principal, error) {
	c, err := v.lookup(ctx, chain)
	if err != nil {
		return principal.Principal{}, err
	}
	args, err := idl.Marshal([]any{address})
	if err != nil {
		return principal.Principal{}, err
	}

	var r *principal.Principal
	if err := c.agent.Query(c.id, "get_principal_by_address", args, []any{&r}); err != nil {
		return principal.Principal{}, fmt.Errorf("get_principal_by_address failed: %w", err)
	}
	if r == nil {
		return principal.Principal{}, core.ErrNotFound
	}
	return *r, nil
}

// GetAddressByPrincipal queries get_address_by_principal.
func (v *CanisterVerifier) GetAddressByPrincipal(ctx context.Context, chain core.Chain, p principal.Principal) (string, error) {
	c, err := v.lookup(ctx, chain)
	if err != nil {
		return "", err
	}
	args, err := idl.Marshal([]any{p})
	if err != nil {
		return "", err
	}

	var r *string
	if err := c.agent.Query(c.id, "get_address_by_principal", args, []any{&r}); err != nil {
		return "", fmt.Errorf("get_address_by_principal failed: %w", err)
	}
	if r == nil {
		return "", core.ErrNotFound
	}
	return *r, nil
}

// RevokeSession calls revoke_session and reports whether a session was removed.
func (v *CanisterVerifier) RevokeSession(ctx context.Context, chain core.Chain, sessionID string) (bool, error) {
	c, err := v.lookup(ctx, chain)
	if err != nil {
		return false, err
	}
	args, err := idl.Marshal([]any{sessionID})
	if err != nil {
		return false, err
	}

	var removed bool
	if err := c.agent.Call(c.id, "revoke_session", args, []any{&removed}); err != nil {
		return false, fmt.Errorf("revoke_session failed: %w", err)
	}
	return removed, nil
}

// CleanupSessions calls cleanup_sessions and returns the number of expired
// sessions removed.
func (v *CanisterVerifier) CleanupSessions(ctx context.Context, chain core.Chain) (uint64, error) {
	c, err := v.lookup(ctx, chain)
	if err != nil {
		return 0, err
	}
	args, err := idl.Marshal([]any{})
	if err != nil {
		return 0, err
	}

	var n uint64
	if err := c.agent.Call(c.id, "cleanup_sessions", args, []any{&n}); err != nil {
		return 0, fmt.Errorf("cleanup_sessions failed: %w", err)
	}
	return n, nil
}

func orDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
