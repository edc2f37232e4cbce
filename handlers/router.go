package handlers

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar mounts a handler's routes under /api
type RouteRegistrar interface {
	Register(api *gin.RouterGroup)
}

// NewRouter builds the gin engine with the health check and every handler's routes
func NewRouter(registrars ...RouteRegistrar) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	for _, reg := range registrars {
		reg.Register(api)
	}
	return r
}
