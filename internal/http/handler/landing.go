package handler

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// Landing serves the static landing page at path. The file is read on every
// request so it can be edited without a restart.
func Landing(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := os.ReadFile(path)
		if err != nil {
			respondError(c, fmt.Errorf("read landing page: %w", err))
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", data)
	}
}
