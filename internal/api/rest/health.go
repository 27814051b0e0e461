// Package rest provides REST API handlers
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthzHandler returns health status
func healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readyzHandler reports ready once a run is registered and the database, if
// any, answers a ping
func readyzHandler(c *gin.Context) {
	if tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "no run registered",
		})
		return
	}

	if health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := health.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}
