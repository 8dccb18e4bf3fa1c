package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Registrar interface {
	Register(r gin.IRouter)
}

// NewRouter mounts health checks at the root and the operator API under
// /api/v1. A nil auth leaves the API open.
func NewRouter(logger *zap.Logger, auth *JWT, health *HealthHandler, api ...Registrar) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	if health != nil {
		health.Register(engine)
	}
	group := engine.Group("/api/v1")
	if auth != nil {
		group.Use(auth.Middleware())
	}
	group.Use(WriteAuditMiddleware(logger))
	for _, h := range api {
		h.Register(group)
	}
	return engine
}
