package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const PortKey = "port"

// RequireValidPort ensures the path param ":port" is a TCP port number and
// stores it in the context under PortKey.
func RequireValidPort() gin.HandlerFunc {
	return func(c *gin.Context) {
		port, err := strconv.Atoi(c.Param("port"))
		if err != nil || port <= 0 || port > 65535 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid port"})
			return
		}
		c.Set(PortKey, port)
		c.Next()
	}
}
