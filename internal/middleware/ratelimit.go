// Package middleware は gin 用の共通ミドルウェアを提供します。
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/ollama-workshop/internal/auth"
)

// RateLimitConfig はレート制限の設定です。
type RateLimitConfig struct {
	Client    *redis.Client
	Limit     int
	Window    time.Duration
	KeyPrefix string
	// Identify はリクエストの識別子を返します。省略時はログインユーザーID、なければクライアントIPです。
	Identify func(c *gin.Context) string
	Logger   zerolog.Logger
}

// incrWindow はカウンタを増やし、期限のないカウンタにはウィンドウを設定します。
// 戻り値は {カウント, 残りミリ秒} です。
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RateLimit は Redis の固定ウィンドウカウンタでリクエスト数を制限します。
// Client が nil か Limit が 0 以下なら何もしません。Redis が使えない間は制限せずに通します。
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Client == nil || cfg.Limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit:"
	}
	if cfg.Identify == nil {
		cfg.Identify = identify
	}
	limit := strconv.Itoa(cfg.Limit)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := cfg.KeyPrefix + cfg.Identify(c)

		res, err := incrWindow.Run(ctx, cfg.Client, []string{key}, cfg.Window.Milliseconds()).Int64Slice()
		if err == nil && len(res) != 2 {
			err = fmt.Errorf("unexpected rate limit reply: %v", res)
		}
		if err != nil {
			cfg.Logger.Warn().Err(err).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		count := res[0]
		reset := 0
		if res[1] > 0 {
			reset = int((time.Duration(res[1])*time.Millisecond + time.Second - 1) / time.Second)
		}

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "rate limit exceeded, try again later",
			})
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(cfg.Limit)-count, 10))
		c.Next()
	}
}

func identify(c *gin.Context) string {
	if user := auth.CurrentUser(c); user != nil {
		return "user:" + user.ID
	}
	return "ip:" + c.ClientIP()
}
