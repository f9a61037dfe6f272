package core

import (
	"errors"
	"fmt"
)

var (
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenInvalidated = errors.New("token has been invalidated")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidChallenge = errors.New("invalid challenge")
	ErrChallengeChain   = errors.New("challenge was issued for another chain")

	// Wallet adapters
	ErrProviderUnavailable = errors.New("wallet provider is not installed")
	ErrUserRejected        = errors.New("user rejected the request")
	ErrProviderFailed      = errors.New("wallet provider error")

	// Verification
	ErrVerificationFailed = errors.New("verification failed")
	ErrInvalidMessage     = errors.New("invalid sign-in message")

	// Facade
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrICPDelegated     = errors.New("ICP authentication should use Internet Identity directly")
	ErrNotFound         = errors.New("not found")

	// Signer bridge
	ErrRequestTimeout    = errors.New("request timeout")
	ErrOriginRejected    = errors.New("message origin rejected")
	ErrSignerUnavailable = errors.New("signer window is not available")
	ErrNotConnected      = errors.New("signer is not connected")

	// Demo
	ErrDemoLimitReached = errors.New("demo message limit reached")
)

// VerificationError is returned when the remote verifier rejects a sign-in.
type VerificationError struct {
	Chain  Chain
	Reason string
}

func (e *VerificationError) Error() string {
	if e.Chain == "" {
		return fmt.Sprintf("verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("%s verification failed: %s", e.Chain, e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationFailed
}

// ProviderError carries the wallet provider's error code. It unwraps to one of
// ErrProviderUnavailable, ErrUserRejected or ErrProviderFailed so callers can
// branch with errors.Is.
type ProviderError struct {
	Chain   Chain
	Code    int
	Message string
	Kind    error
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case ErrUserRejected:
		return fmt.Sprintf("%s: user rejected the request", e.Chain.DisplayName())
	case ErrProviderUnavailable:
		return fmt.Sprintf("%s wallet is not installed", e.Chain.DisplayName())
	}
	return fmt.Sprintf("%s wallet error (code %d): %s", e.Chain.DisplayName(), e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e.Kind == nil {
		return ErrProviderFailed
	}
	return e.Kind
}

// UserRejectedCode is the EIP-1193 code wallets use when the user declines.
const UserRejectedCode = 4001

// ClassifyProviderError maps a provider error code onto the taxonomy.
func ClassifyProviderError(chain Chain, code int, msg string) *ProviderError {
	kind := ErrProviderFailed
	if code == UserRejectedCode {
		kind = ErrUserRejected
	}
	return &ProviderError{Chain: chain, Code: code, Message: msg, Kind: kind}
}

// RPCError is the error member of a signer JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("signer error %d: %s", e.Code, e.Message)
}
