package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/allocledger/internal/observability/context"
)

// RequireActor rejects mutating calls that do not name an operator in X-Actor.
// Authentication itself is done by the gateway in front of the admin API.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorFrom(c) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) string {
	_, id := obscontext.ActorFromContext(c.Request.Context())
	return strings.TrimSpace(id)
}
