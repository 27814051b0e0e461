// Package rest provides REST API handlers
package rest

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes sets up all REST API routes
func RegisterRoutes(r *gin.Engine) {
	// Health endpoints
	r.GET("/healthz", healthzHandler)
	r.GET("/readyz", readyzHandler)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Current run
		v1.GET("/run", getRunHandler)

		// Round history, live or from the database with ?run_id=
		rounds := v1.Group("/rounds")
		{
			rounds.GET("", listRoundsHandler)
			rounds.GET("/:round", getRoundHandler)
		}
	}
}
