package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/types"
)

// AdminSubjectKey is the gin context key holding the authenticated admin's
// subject.
const AdminSubjectKey = "adminSubject"

// AdminAuth guards the admin surface with a bearer token plus a subject
// allowlist. In production an empty allowlist disables the surface entirely;
// in development it admits any verified token.
func AdminAuth(verifier types.TokenVerifier, allowedSubjects []string, production bool) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedSubjects))
	for _, s := range allowedSubjects {
		if s = strings.TrimSpace(s); s != "" {
			allowed[s] = true
		}
	}

	return func(c *gin.Context) {
		if production && len(allowed) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin surface disabled"})
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("admin_token").Inc()
			logging.Warn(c.Request.Context(), "Admin token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if len(allowed) > 0 && !allowed[claims.Subject] {
			logging.Warn(c.Request.Context(), "Admin subject not allowlisted",
				zap.String("subject", claims.Subject))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "subject not allowed"})
			return
		}

		c.Set(AdminSubjectKey, claims.Subject)
		c.Next()
	}
}
