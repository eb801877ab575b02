package main

import (
	"context"

	"voicecast/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, ready func(context.Context) error) {
	// public
	r.GET("/healthz", httpapi.Healthz(ready))

	httpapi.Register(r, h, authMW)
}
