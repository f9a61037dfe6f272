package tokenizer

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/raven-ecosystem/ravenauth/core"
)

// ChallengeClaims carry the whole issued sign-in message so the login step
// can rebuild the exact text the wallet signed without server-side state.
type ChallengeClaims struct {
	jwt.RegisteredClaims
	Message core.SignInMessage `json:"msg"`
}

// AccessClaims combines standard claims with the verifier session they stand for
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string     `json:"sid"`
	Chain     core.Chain `json:"chain"`
	Principal string     `json:"principal"`
	Created   uint64     `json:"sca"` // session creation, ns
	Expires   uint64     `json:"sea"` // session expiry, ns
}
