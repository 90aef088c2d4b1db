package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxServiceClaims = "ledger_service_claims"

// RequireService returns a Gin middleware that enforces a valid Bearer
// service token carrying scope.
//
// On success it injects the *ServiceClaims into the context under the
// "ledger_service_claims" key.
func RequireService(tokens *TokenIssuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abort(c, http.StatusUnauthorized, "unauthorized", "Bearer token required")
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !claims.HasScope(scope) {
			abort(c, http.StatusForbidden, "forbidden", "token lacks scope "+scope)
			return
		}

		c.Set(ctxServiceClaims, claims)
		c.Next()
	}
}

// ServiceFromCtx retrieves the claims injected by RequireService.
func ServiceFromCtx(c *gin.Context) *ServiceClaims {
	v, _ := c.Get(ctxServiceClaims)
	claims, _ := v.(*ServiceClaims)
	return claims
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": msg},
	})
}
