package core

import (
	"encoding/json"
	"time"

	"github.com/aviate-labs/agent-go/principal"
)

// Session is a verifier-issued record binding a chain address to a principal.
// Timestamps are nanoseconds since the Unix epoch, as the verifier reports them.
type Session struct {
	SessionID string              `json:"session_id"`
	Chain     Chain               `json:"chain"`
	Address   string              `json:"address"`
	Principal principal.Principal `json:"-"`
	CreatedAt uint64              `json:"created_at"`
	ExpiresAt uint64              `json:"expires_at"`
}

// PrincipalText is the textual form of the session principal.
func (s *Session) PrincipalText() string {
	return s.Principal.String()
}

// MarshalJSON renders the principal in its textual form.
func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	return json.Marshal(struct {
		plain
		Principal string `json:"principal"`
	}{plain(s), s.Principal.String()})
}

func (s *Session) CreatedTime() time.Time {
	return time.Unix(0, int64(s.CreatedAt))
}

func (s *Session) ExpiresTime() time.Time {
	return time.Unix(0, int64(s.ExpiresAt))
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresTime())
}

// SignInResult is returned by the sign-in facade.
type SignInResult struct {
	Session *Session `json:"session"`
	Chain   Chain    `json:"chain"`
}

// Challenge is an issued, not yet signed, sign-in message.
type Challenge struct {
	ID        string
	Message   *SignInMessage
	Text      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// WalletConnection is what a wallet reports after granting account access.
type WalletConnection struct {
	Chain     Chain  `json:"chain"`
	Address   string `json:"address"`
	ChainID   string `json:"chain_id,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
}

// SignatureEncoding names the textual encoding of a signature.
type SignatureEncoding string

const (
	EncodingHex    SignatureEncoding = "hex"
	EncodingBase58 SignatureEncoding = "base58"
	EncodingBase64 SignatureEncoding = "base64"
)

// WalletSignature is a signature as produced by a wallet.
// Encoded may be empty when the wallet only returns raw bytes.
type WalletSignature struct {
	Raw      []byte
	Encoded  string
	Encoding SignatureEncoding
}

// IcrcAccount is an ICRC-1 account returned by the signer.
type IcrcAccount struct {
	Owner      principal.Principal
	Subaccount []byte
}
