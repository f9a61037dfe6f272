package core

import (
	"fmt"
	"strings"
	"time"
)

// MessageVersion is the only sign-in message version.
const MessageVersion = "1"

// TimestampLayout renders ISO-8601 timestamps with millisecond precision in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// SignInMessage is the structured sign-in request a wallet signs.
// It is built right before signing and never persisted.
type SignInMessage struct {
	Chain          Chain    `json:"chain"`
	Domain         string   `json:"domain"`
	Address        string   `json:"address"`
	Statement      string   `json:"statement,omitempty"`
	URI            string   `json:"uri"`
	Version        string   `json:"version"`
	ChainID        string   `json:"chain_id"`
	Nonce          string   `json:"nonce"`
	IssuedAt       string   `json:"issued_at"`
	ExpirationTime string   `json:"expiration_time,omitempty"`
	NotBefore      string   `json:"not_before,omitempty"`
	RequestID      string   `json:"request_id,omitempty"`
	Resources      []string `json:"resources,omitempty"`
}

// MessageOptions holds the optional message fields.
type MessageOptions struct {
	Statement      string
	ExpirationTime string
	NotBefore      string
	RequestID      string
	Resources      []string
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewMessage creates a sign-in message with a fresh nonce issued now.
func NewMessage(chain Chain, address, domain, uri, chainID string, opts *MessageOptions) *SignInMessage {
	return NewMessageAt(chain, address, domain, uri, chainID, opts, time.Now())
}

// NewMessageAt is NewMessage with an explicit issue time.
func NewMessageAt(chain Chain, address, domain, uri, chainID string, opts *MessageOptions, now time.Time) *SignInMessage {
	if chainID == "" {
		chainID = chain.DefaultChainID()
	}
	m := &SignInMessage{
		Chain:    chain,
		Domain:   domain,
		Address:  address,
		URI:      uri,
		Version:  MessageVersion,
		ChainID:  chainID,
		Nonce:    GenerateNonce(),
		IssuedAt: FormatTimestamp(now),
	}
	if opts != nil {
		m.Statement = opts.Statement
		m.ExpirationTime = opts.ExpirationTime
		m.NotBefore = opts.NotBefore
		m.RequestID = opts.RequestID
		if len(opts.Resources) > 0 {
			m.Resources = append([]string(nil), opts.Resources...)
		}
	}
	return m
}

// FormatMessage renders the canonical text the wallet signs and the verifier
// rebuilds. The output must stay byte-identical to the verifier's rendering.
func FormatMessage(m *SignInMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your %s account:\n", m.Domain, m.Chain.DisplayName())
	fmt.Fprintf(&b, "%s\n\n", m.Address)

	if m.Statement != "" {
		fmt.Fprintf(&b, "%s\n\n", m.Statement)
	}

	fmt.Fprintf(&b, "URI: %s\n", m.URI)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	fmt.Fprintf(&b, "Chain ID: %s\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt)

	if m.ExpirationTime != "" {
		fmt.Fprintf(&b, "\nExpiration Time: %s", m.ExpirationTime)
	}
	if m.NotBefore != "" {
		fmt.Fprintf(&b, "\nNot Before: %s", m.NotBefore)
	}
	if m.RequestID != "" {
		fmt.Fprintf(&b, "\nRequest ID: %s", m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range m.Resources {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}

	return b.String()
}

// Validate checks the fields the verifier requires.
func (m *SignInMessage) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	case m.Domain == "":
		return fmt.Errorf("%w: missing domain", ErrInvalidMessage)
	case m.Address == "":
		return fmt.Errorf("%w: missing address", ErrInvalidMessage)
	case m.URI == "":
		return fmt.Errorf("%w: missing uri", ErrInvalidMessage)
	case m.Version != MessageVersion:
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, m.Version)
	case m.Nonce == "":
		return fmt.Errorf("%w: missing nonce", ErrInvalidMessage)
	case m.IssuedAt == "":
		return fmt.Errorf("%w: missing issued at", ErrInvalidMessage)
	}
	return nil
}
