package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signaltrader/internal/repository"
	"signaltrader/internal/service"
)

type SystemSettingsHandler struct {
	Repo     repository.Repository
	Settings *service.SystemSettingsService
}

func (h *SystemSettingsHandler) Register(r gin.IRouter) {
	g := r.Group("/system-settings")
	g.GET("", h.list)
	g.GET("/known", h.known)
	g.GET("/:key", h.get)
	g.PUT("/:key", h.put)
}

func (h *SystemSettingsHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 200)
	offset := intQuery(c, "offset", 0)
	params := repository.ListSystemSettingsParams{
		Limit:   limit,
		Offset:  offset,
		Prefix:  strQueryPtr(c, "prefix"),
		OrderBy: "key",
		Asc:     boolPtr(true),
	}
	items, err := h.Repo.ListSystemSettings(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountSystemSettings(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *SystemSettingsHandler) known(c *gin.Context) {
	Ok(c, service.KnownSettings(), nil)
}

func (h *SystemSettingsHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		Error(c, http.StatusBadRequest, "invalid key", nil)
		return
	}
	item, err := h.Repo.GetSystemSettingByKey(c.Request.Context(), key)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "setting not found", nil)
		return
	}
	Ok(c, item, nil)
}

type putSystemSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

func (h *SystemSettingsHandler) put(c *gin.Context) {
	if h.Repo == nil || h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	var req putSystemSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Value) == 0 {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.Set(c.Request.Context(), key, req.Value); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	next, err := h.Repo.GetSystemSettingByKey(c.Request.Context(), key)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, next, nil)
}
