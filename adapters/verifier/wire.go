package verifier

import (
	"fmt"
	"strconv"

	"github.com/aviate-labs/agent-go/candid/idl"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/raven-ecosystem/ravenauth/core"
)

// Candid records exchanged with the sign-in canisters. Optional message
// fields are pointers so they are sent as absent, not as empty text.

type evmMessage struct {
	Domain         string    `ic:"domain"`
	Address        string    `ic:"address"`
	Statement      *string   `ic:"statement"`
	URI            string    `ic:"uri"`
	Version        string    `ic:"version"`
	ChainID        uint64    `ic:"chain_id"`
	Nonce          string    `ic:"nonce"`
	IssuedAt       string    `ic:"issued_at"`
	ExpirationTime *string   `ic:"expiration_time"`
	NotBefore      *string   `ic:"not_before"`
	RequestID      *string   `ic:"request_id"`
	Resources      *[]string `ic:"resources"`
}

type textMessage struct {
	Domain         string    `ic:"domain"`
	Address        string    `ic:"address"`
	Statement      *string   `ic:"statement"`
	URI            string    `ic:"uri"`
	Version        string    `ic:"version"`
	ChainID        string    `ic:"chain_id"`
	Nonce          string    `ic:"nonce"`
	IssuedAt       string    `ic:"issued_at"`
	ExpirationTime *string   `ic:"expiration_time"`
	NotBefore      *string   `ic:"not_before"`
	RequestID      *string   `ic:"request_id"`
	Resources      *[]string `ic:"resources"`
}

func opt(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optSlice(s []string) *[]string {
	if len(s) == 0 {
		return nil
	}
	return &s
}

// toWire converts m into the record the chain's canister expects.
func toWire(m *core.SignInMessage) (any, error) {
	if m.Chain == core.ChainEthereum {
		chainID, err := strconv.ParseUint(m.ChainID, 10, 64)
		if err != nil {
			return nil, &core.VerificationError{Chain: m.Chain, Reason: "chain id must be numeric"}
		}
		return evmMessage{
			Domain:         m.Domain,
			Address:        m.Address,
			Statement:      opt(m.Statement),
			URI:            m.URI,
			Version:        m.Version,
			ChainID:        chainID,
			Nonce:          m.Nonce,
			IssuedAt:       m.IssuedAt,
			ExpirationTime: opt(m.ExpirationTime),
			NotBefore:      opt(m.NotBefore),
			RequestID:      opt(m.RequestID),
			Resources:      optSlice(m.Resources),
		}, nil
	}

	return textMessage{
		Domain:         m.Domain,
		Address:        m.Address,
		Statement:      opt(m.Statement),
		URI:            m.URI,
		Version:        m.Version,
		ChainID:        m.ChainID,
		Nonce:          m.Nonce,
		IssuedAt:       m.IssuedAt,
		ExpirationTime: opt(m.ExpirationTime),
		NotBefore:      opt(m.NotBefore),
		RequestID:      opt(m.RequestID),
		Resources:      optSlice(m.Resources),
	}, nil
}

// Session records only differ in the name of the address field.

type ethSession struct {
	SessionID string              `ic:"session_id"`
	Address   string              `ic:"eth_address"`
	Principal principal.Principal `ic:"principal"`
	CreatedAt uint64              `ic:"created_at"`
	ExpiresAt uint64              `ic:"expires_at"`
}

type solanaSession struct {
	SessionID string              `ic:"session_id"`
	Address   string              `ic:"solana_address"`
	Principal principal.Principal `ic:"principal"`
	CreatedAt uint64              `ic:"created_at"`
	ExpiresAt uint64              `ic:"expires_at"`
}

type bitcoinSession struct {
	SessionID string              `ic:"session_id"`
	Address   string              `ic:"bitcoin_address"`
	Principal principal.Principal `ic:"principal"`
	CreatedAt uint64              `ic:"created_at"`
	ExpiresAt uint64              `ic:"expires_at"`
}

type suiSession struct {
	SessionID string              `ic:"session_id"`
	Address   string              `ic:"sui_address"`
	Principal principal.Principal `ic:"principal"`
	CreatedAt uint64              `ic:"created_at"`
	ExpiresAt uint64              `ic:"expires_at"`
}

type sessionRecord interface {
	ethSession | solanaSession | bitcoinSession | suiSession
}

func toSession[S sessionRecord](chain core.Chain, s S) *core.Session {
	switch v := any(s).(type) {
	case ethSession:
		return &core.Session{SessionID: v.SessionID, Chain: chain, Address: v.Address, Principal: v.Principal, CreatedAt: v.CreatedAt, ExpiresAt: v.ExpiresAt}
	case solanaSession:
		return &core.Session{SessionID: v.SessionID, Chain: chain, Address: v.Address, Principal: v.Principal, CreatedAt: v.CreatedAt, ExpiresAt: v.ExpiresAt}
	case bitcoinSession:
		return &core.Session{SessionID: v.SessionID, Chain: chain, Address: v.Address, Principal: v.Principal, CreatedAt: v.CreatedAt, ExpiresAt: v.ExpiresAt}
	case suiSession:
		return &core.Session{SessionID: v.SessionID, Chain: chain, Address: v.Address, Principal: v.Principal, CreatedAt: v.CreatedAt, ExpiresAt: v.ExpiresAt}
	}
	return nil
}

// addressField is the name of the address field in a chain's session record.
func addressField(chain core.Chain) string {
	switch chain {
	case core.ChainEthereum:
		return "eth_address"
	case core.ChainSolana:
		return "solana_address"
	case core.ChainBitcoin:
		return "bitcoin_address"
	case core.ChainSui:
		return "sui_address"
	}
	return ""
}

// lookupField finds a record field or variant arm. Decoded candid values are
// keyed by the hash of the declared name.
func lookupField(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	v, ok := m[idl.HashString(name)]
	return v, ok
}

func recordField[T any](rec map[string]any, name string) (T, error) {
	var zero T
	raw, ok := lookupField(rec, name)
	if !ok {
		return zero, fmt.Errorf("session record has no %s", name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("session record field %s is %T", name, raw)
	}
	return v, nil
}

// sessionFromRecord converts the Ok arm of verify_* into a session.
func sessionFromRecord(chain core.Chain, raw any) (*core.Session, error) {
	rec, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected session record %T", raw)
	}

	var (
		s   = &core.Session{Chain: chain}
		err error
	)
	if s.SessionID, err = recordField[string](rec, "session_id"); err != nil {
		return nil, err
	}
	if s.Address, err = recordField[string](rec, addressField(chain)); err != nil {
		return nil, err
	}
	if s.Principal, err = recordField[principal.Principal](rec, "principal"); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = recordField[uint64](rec, "created_at"); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = recordField[uint64](rec, "expires_at"); err != nil {
		return nil, err
	}
	return s, nil
}
