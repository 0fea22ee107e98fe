package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// RouteRegistrar mounts additional endpoints, such as the REST API.
type RouteRegistrar interface {
	Register(r gin.IRouter)
}

// SetupRoutes builds the gin engine: health check on /, the WebSocket
// endpoint on /ws (GET only) and every registrar's routes.
func SetupRoutes(hub *Hub, registrars ...RouteRegistrar) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", HealthHandler(hub))
	r.GET("/ws", WebSocketHandler(hub))
	for _, reg := range registrars {
		reg.Register(r)
	}
	return r
}

// requestLogger logs each request once it completes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logger.Error("HTTP request", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}
