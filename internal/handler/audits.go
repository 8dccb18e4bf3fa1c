package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signaltrader/internal/repository"
)

// AuditHandler serves the persisted replay records, fills and backtest runs.
type AuditHandler struct {
	Repo repository.Repository
}

func (h *AuditHandler) Register(r gin.IRouter) {
	r.GET("/audits", h.audits)
	r.GET("/fills", h.fills)
	r.GET("/backtests", h.backtests)
}

func (h *AuditHandler) audits(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	params := repository.ListSignalAuditsParams{
		Limit:     limit,
		Offset:    offset,
		Symbol:    strQueryPtr(c, "symbol"),
		Status:    strQueryPtr(c, "status"),
		ErrorKind: strQueryPtr(c, "error_kind"),
		Since:     timeQueryPtr(c, "since"),
		Until:     timeQueryPtr(c, "until"),
		OrderBy:   strings.TrimSpace(c.Query("order_by")),
		Asc:       boolQueryPtr(c, "asc"),
	}
	// Live records have an empty run id; "run" selects a backtest.
	run := strings.TrimSpace(c.Query("run"))
	params.RunID = &run
	items, err := h.Repo.ListSignalAudits(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountSignalAudits(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *AuditHandler) fills(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	run := strings.TrimSpace(c.Query("run"))
	params := repository.ListTradeFillsParams{
		Limit:  intQuery(c, "limit", 100),
		Offset: intQuery(c, "offset", 0),
		RunID:  &run,
		Symbol: strQueryPtr(c, "symbol"),
		Since:  timeQueryPtr(c, "since"),
		Asc:    boolQueryPtr(c, "asc"),
	}
	items, err := h.Repo.ListTradeFills(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *AuditHandler) backtests(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListBacktestRuns(c.Request.Context(), intQuery(c, "limit", 20))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}
