package http

import (
	"errors"
	"net/http"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/gin-gonic/gin"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/service"
)

const sessionKey = "session"

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	domain      string
	uri         string
}

// NewAuthHandlers creates new auth handlers. domain and uri fill challenges
// that do not name their own.
func NewAuthHandlers(authService *service.AuthService, domain, uri string) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		domain:      domain,
		uri:         uri,
	}
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "Internal error"

	var verr *core.VerificationError
	switch {
	case errors.As(err, &verr):
		status, msg = http.StatusUnauthorized, verr.Error()
	case errors.Is(err, core.ErrICPDelegated):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrUnsupportedChain):
		status, msg = http.StatusBadRequest, "Unsupported chain"
	case errors.Is(err, core.ErrInvalidMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrChallengeChain):
		status, msg = http.StatusBadRequest, "Challenge was issued for another chain"
	case errors.Is(err, core.ErrInvalidChallenge), errors.Is(err, core.ErrInvalidToken):
		status, msg = http.StatusBadRequest, "Invalid challenge token"
	case errors.Is(err, core.ErrTokenExpired):
		status, msg = http.StatusBadRequest, "Challenge token expired"
	case errors.Is(err, core.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	}

	c.JSON(status, gin.H{"error": msg})
}

func chainParam(c *gin.Context) (core.Chain, bool) {
	chain, err := core.ParseChain(c.Param("chain"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return chain, true
}

// Challenge issues a sign-in message for an address
func (h *AuthHandlers) Challenge(c *gin.Context) {
	chain, ok := chainParam(c)
	if !ok {
		return
	}

	var req struct {
		Address        string   `json:"address" binding:"required"`
		Domain         string   `json:"domain"`
		URI            string   `json:"uri"`
		ChainID        string   `json:"chain_id"`
		Statement      string   `json:"statement"`
		ExpirationTime string   `json:"expiration_time"`
		NotBefore      string   `json:"not_before"`
		RequestID      string   `json:"request_id"`
		Resources      []string `json:"resources"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if req.Domain == "" {
		req.Domain = h.domain
	}
	if req.URI == "" {
		req.URI = h.uri
	}
	statement := req.Statement
	if statement == "" {
		statement = chain.DefaultStatement()
	}

	challenge, token, err := h.authService.IssueChallenge(c.Request.Context(), chain, req.Address, req.Domain, req.URI, service.SignInOptions{
		ChainID: req.ChainID,
		Message: &core.MessageOptions{
			Statement:      statement,
			ExpirationTime: req.ExpirationTime,
			NotBefore:      req.NotBefore,
			RequestID:      req.RequestID,
			Resources:      req.Resources,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":         challenge.Message,
		"text":            challenge.Text,
		"challenge_token": token,
		"expires_at":      challenge.ExpiresAt,
	})
}

// Login completes a challenge with the wallet's signature
func (h *AuthHandlers) Login(c *gin.Context) {
	chain, ok := chainParam(c)
	if !ok {
		return
	}

	var req struct {
		ChallengeToken string `json:"challenge_token" binding:"required"`
		Signature      string `json:"signature" binding:"required"`
		// Message is the text the wallet signed, checked against the challenge.
		Message string `json:"message"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, accessToken, err := h.authService.CompleteSignedChallenge(c.Request.Context(), chain, req.ChallengeToken, req.Message, req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":      result.Session,
		"access_token": accessToken,
		"token_type":   "Bearer",
	})
}

// Session returns a session by id
func (h *AuthHandlers) Session(c *gin.Context) {
	chain, ok := chainParam(c)
	if !ok {
		return
	}

	session, err := h.authService.GetSession(c.Request.Context(), chain, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// PrincipalByAddress returns the principal bound to an address
func (h *AuthHandlers) PrincipalByAddress(c *gin.Context) {
	chain, ok := chainParam(c)
	if !ok {
		return
	}

	p, err := h.authService.GetPrincipalByAddress(c.Request.Context(), chain, c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"principal": p.String()})
}

// AddressByPrincipal returns the address bound to a principal
func (h *AuthHandlers) AddressByPrincipal(c *gin.Context) {
	chain, ok := chainParam(c)
	if !ok {
		return
	}

	p, err := principal.Decode(c.Param("principal"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid principal"})
		return
	}

	address, err := h.authService.GetAddressByPrincipal(c.Request.Context(), chain, p)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": address})
}

// Logout revokes the session of the bearer token
func (h *AuthHandlers) Logout(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
		return
	}

	err := h.authService.Logout(c.Request.Context(), token)
	switch {
	case err == nil, errors.Is(err, core.ErrTokenExpired), errors.Is(err, core.ErrTokenInvalidated):
		c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
	case errors.Is(err, core.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
	default:
		writeError(c, err)
	}
}

// Me returns the session of the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	// Session is set by the auth middleware
	v, exists := c.Get(sessionKey)
	session, ok := v.(*core.Session)
	if !exists || !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": session.SessionID,
		"chain":      session.Chain,
		"address":    session.Address,
		"principal":  session.PrincipalText(),
		"expires_at": session.ExpiresTime().UTC(),
	})
}
