package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"signaltrader/internal/ledger"
)

// Extraction reports whether signal extraction runs on its primary path.
type Extraction interface {
	Available() bool
}

type HealthHandler struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Parser Extraction
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready also fails when the ledger's margin invariant does not hold.
func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_error"})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	if h.Ledger != nil {
		if err := h.Ledger.Snapshot().CheckInvariant(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "ledger_inconsistent", "error": err.Error()})
			return
		}
	}
	body := gin.H{"status": "ready"}
	if h.Parser != nil {
		// Degraded extraction is reported, not failed.
		body["extraction"] = "primary"
		if !h.Parser.Available() {
			body["extraction"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}
