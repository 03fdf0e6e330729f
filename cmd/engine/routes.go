package main

import (
	"context"
	"net/http"

	"dialcast/internal/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes mounts the engine surface. Health and metrics are
// open; everything under /api requires the platform shared secret.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, sharedSecret string, ready func(context.Context) error) {
	r.GET("/healthz", func(c *gin.Context) {
		if ready != nil {
			if err := ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", httpapi.RequireSharedSecret(sharedSecret))
	h.Register(api)
}
