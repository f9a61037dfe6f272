package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/ports"
)

const AudienceChallenge = "ravenauth:challenge"
const AudienceAccess = "ravenauth:access"

// DefaultAccessTTL bounds access tokens; a token never outlives its session.
const DefaultAccessTTL = 15 * time.Minute

// JWTTokenizer implements the Tokenizer interface using JWT
type JWTTokenizer struct {
	signKey   *ecdsa.PrivateKey
	accessTTL time.Duration
	now       func() time.Time
}

// NewJWTTokenizer creates a new JWT tokenizer signing with ES256.
// A non-positive accessTTL selects DefaultAccessTTL.
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, accessTTL time.Duration) ports.Tokenizer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	return &JWTTokenizer{signKey: signKey, accessTTL: accessTTL, now: time.Now}
}

// ChallengeToToken converts a Challenge to a JWT token
func (j *JWTTokenizer) ChallengeToToken(challenge *core.Challenge) (string, error) {
	if challenge.Message == nil {
		return "", core.ErrInvalidChallenge
	}

	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   challenge.Message.Address,
			ID:        challenge.ID,
			ExpiresAt: jwt.NewNumericDate(challenge.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(challenge.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceChallenge},
		},
		Message: *challenge.Message,
	}

	return j.sign(claims)
}

// TokenToChallenge converts a JWT token to a Challenge
func (j *JWTTokenizer) TokenToChallenge(tokenStr string) (*core.Challenge, error) {
	claims := &ChallengeClaims{}
	if err := j.parse(tokenStr, claims, AudienceChallenge); err != nil {
		return nil, err
	}

	if claims.Subject != claims.Message.Address || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, core.ErrInvalidChallenge
	}

	msg := claims.Message
	return &core.Challenge{
		ID:        claims.ID,
		Message:   &msg,
		Text:      core.FormatMessage(&msg),
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// SessionToAccessToken converts a verifier Session to an access JWT token
func (j *JWTTokenizer) SessionToAccessToken(session *core.Session) (string, error) {
	now := j.now()
	expiry := now.Add(j.accessTTL)
	if session.ExpiresAt > 0 && session.ExpiresTime().Before(expiry) {
		expiry = session.ExpiresTime()
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.Address,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		SessionID: session.SessionID,
		Chain:     session.Chain,
		Principal: session.PrincipalText(),
		Created:   session.CreatedAt,
		Expires:   session.ExpiresAt,
	}

	return j.sign(claims)
}

// AccessTokenToSession parses an access token and returns the associated session
func (j *JWTTokenizer) AccessTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		return nil, err
	}

	p, err := principal.Decode(claims.Principal)
	if err != nil {
		return nil, fmt.Errorf("invalid principal claim: %w", core.ErrInvalidToken)
	}

	return &core.Session{
		SessionID: claims.SessionID,
		Chain:     claims.Chain,
		Address:   claims.Subject,
		Principal: p,
		CreatedAt: claims.Created,
		ExpiresAt: claims.Expires,
	}, nil
}

func (j *JWTTokenizer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(audience), jwt.WithTimeFunc(j.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return core.ErrTokenExpired
		}
		return fmt.Errorf("failed to parse token: %w: %w", core.ErrInvalidToken, err)
	}

	if !token.Valid {
		return core.ErrInvalidToken
	}

	return nil
}
