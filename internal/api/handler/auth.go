package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"go.uber.org/zap"
)

// AuthHandler exchanges service credentials for short-lived bearer tokens.
type AuthHandler struct {
	secrets *identity.SecretVerifier
	tokens  *identity.TokenIssuer
	logger  *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(secrets *identity.SecretVerifier, tokens *identity.TokenIssuer, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{secrets: secrets, tokens: tokens, logger: logger}
}

// Register mounts the token route.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.Token)
}

type tokenRequest struct {
	ServiceID string `json:"service_id" binding:"required"`
	Secret    string `json:"secret"     binding:"required"`
}

// Token handles POST /auth/token.
func (h *AuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "service_id and secret are required")
		return
	}

	if err := h.secrets.Verify(req.ServiceID, req.Secret); err != nil {
		h.logger.Warn("service authentication failed",
			zap.String("service_id", req.ServiceID),
			zap.String("client_ip", c.ClientIP()),
		)
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "invalid service credentials")
		return
	}

	token, err := h.tokens.Issue(req.ServiceID, []string{identity.ScopeAppend})
	if err != nil {
		h.logger.Error("issue service token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "could not issue token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokens.TTL().Seconds()),
	})
}
