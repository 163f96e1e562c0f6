package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (d *Diagnostics) registerRoutes() {
	d.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(d.Appeared).String(),
			"service": d.Name,
		})
	})

	d.router.GET("/status", func(c *gin.Context) {
		if d.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
			return
		}
		c.JSON(http.StatusOK, d.status())
	})

	d.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
