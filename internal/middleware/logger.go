package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerMiddleware logs every request. Scrapes of quietPaths are logged at
// debug so metrics polling does not flood the log.
func LoggerMiddleware(log *zap.Logger, quietPaths ...string) fiber.Handler {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		level := zapcore.InfoLevel
		status := c.Response().StatusCode()
		switch {
		case status >= fiber.StatusInternalServerError:
			level = zapcore.WarnLevel
		case quiet[c.Path()]:
			level = zapcore.DebugLevel
		}

		reqID, _ := c.Locals(CtxRequestID).(string)
		log.Log(level, "request",
			zap.String("request_id", reqID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		)

		return err
	}
}
