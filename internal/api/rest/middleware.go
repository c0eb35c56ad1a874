package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/devices"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LoggerMiddleware logs every request with its status and latency.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("HTTP request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Debug("HTTP request", fields...)
		}
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, devices.ErrUnknownDevice), errors.Is(err, devices.ErrUnknownPoint):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, types.ErrBadInput):
		status, code = http.StatusBadRequest, "BAD_INPUT"
	case errors.Is(err, devices.ErrNotActive):
		status, code = http.StatusConflict, "NOT_ACTIVE"
	case errors.Is(err, types.ErrConfiguration):
		status, code = http.StatusConflict, "CONFIGURATION"
	case errors.Is(err, types.ErrTransport), errors.Is(err, types.ErrDataUnavailable):
		status, code = http.StatusBadGateway, "TRANSPORT"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}
	_ = c.Error(err)
	c.JSON(status, types.NewErrorResponse(code, http.StatusText(status), err.Error()))
}
