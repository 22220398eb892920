package handler

import (
	"net/http"
	"strconv"
	"time"

	mw "github.com/edirooss/portbroker/internal/http/middleware"
	"github.com/edirooss/portbroker/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxLogLines caps GET /api/slots/:port/logs?lines=N.
const maxLogLines = 500

// SlotsHandler exposes read-only pool status. Tokens are never included.
type SlotsHandler struct {
	log     *zap.Logger
	summary *service.SlotSummaryService
	logs    service.LogSource // nil when no backend process is configured
}

func NewSlotsHandler(log *zap.Logger, summary *service.SlotSummaryService, logs service.LogSource) *SlotsHandler {
	return &SlotsHandler{log: log.Named("slots"), summary: summary, logs: logs}
}

// List handles GET /api/slots.
func (h *SlotsHandler) List(c *gin.Context) {
	res := h.summary.Get()

	cache := "MISS"
	if res.CacheHit {
		cache = "HIT"
	}
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data)))
	c.Header("X-Cache", cache)
	c.Header("X-Summary-Generated-At", res.GeneratedAt.UTC().Format(time.RFC3339Nano))
	c.JSON(http.StatusOK, gin.H{"stats": res.Stats, "slots": res.Data})
}

// Logs handles GET /api/slots/:port/logs?lines=N (newest first).
func (h *SlotsHandler) Logs(c *gin.Context) {
	port := c.GetInt(mw.PortKey)

	lines, err := strconv.Atoi(c.DefaultQuery("lines", "100"))
	if err != nil || lines < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid lines"})
		return
	}
	if lines == 0 || lines > maxLogLines {
		lines = maxLogLines
	}

	if h.logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "no backend logs"})
		return
	}
	out, ok := h.logs.GetLogs(port, lines)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no backend logs"})
		return
	}
	if out == nil {
		out = []string{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}
