// Package logging は zerolog ベースのロガーと Gin 用アクセスログを提供します。
package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader はリクエストIDを受け渡すヘッダー名です。
const RequestIDHeader = "X-Request-Id"

// New はルートロガーを作成します。
// debug モードでは人間向けのコンソール出力、それ以外は JSON を出力します。
func New(ginMode, level string) zerolog.Logger {
	return newWithWriter(os.Stdout, ginMode, level)
}

func newWithWriter(w io.Writer, ginMode, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if ginMode == gin.DebugMode {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Middleware はリクエストごとのアクセスログを出力する Gin ミドルウェアです。
func Middleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
