package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	logger := logging.FromContext(c, h.logger)
	claims, err := h.sessions.VerifyRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			logger.Debug("session token missing")
		case errors.Is(err, jwt.ErrTokenExpired):
			logger.Info("session verification failed", zap.Error(err))
		default:
			logger.Warn("session verification failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.Set(userIDContextKey, identity.ClerkUserID)
	c.Set(claimsContextKey, claims)
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !h.isAdmin(c) {
		logging.FromContext(c, h.logger).Warn("admin access denied", zap.String("user_id", c.GetString(userIDContextKey)))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// isAdmin trusts only the claims of the current session so a revoked role
// takes effect with the next session token.
func (h *httpHandler) isAdmin(c *gin.Context) bool {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return false
	}
	claims, ok := value.(auth.SessionClaims)
	return ok && strings.EqualFold(strings.TrimSpace(claims.Role), h.adminRole)
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func currentIdentity(c *gin.Context) users.Identity {
	if value, ok := c.Get(identityContextKey); ok {
		if identity, ok := value.(users.Identity); ok {
			return identity
		}
	}
	return users.Identity{}
}
