package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/errors"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	v1 "github.com/sandpipe/sandpipe/pkg/api/v1"
)

// RequestLogger logs each request with method, path, status and latency.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Recovery converts panics into 500 responses.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(500, v1.ErrorResponse{
					Error: "internal server error",
					Code:  errors.ErrCodeInternalError,
				})
			}
		}()
		c.Next()
	}
}

// ErrorHandler renders errors attached to the context as the uniform
// error envelope, mapping AppError codes to HTTP statuses.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		resp := v1.ErrorResponse{Error: err.Error()}
		if appErr, ok := err.(*errors.AppError); ok {
			resp.Code = appErr.Code
			resp.Error = appErr.Message
			if appErr.Err != nil {
				resp.Details = appErr.Err.Error()
			}
		}
		c.JSON(errors.GetHTTPStatus(err), resp)
	}
}

// CORS allows cross-origin access for local tooling front-ends.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
