package main

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/documents"
	"github.com/yourusername/ollama-workshop/internal/embedding"
	"github.com/yourusername/ollama-workshop/internal/logging"
	"github.com/yourusername/ollama-workshop/internal/middleware"
	"github.com/yourusername/ollama-workshop/internal/ollama"
	"github.com/yourusername/ollama-workshop/internal/prompts"
	"github.com/yourusername/ollama-workshop/internal/ragsystems"
	"github.com/yourusername/ollama-workshop/internal/tools"
	"github.com/yourusername/ollama-workshop/internal/vectordb"
)

const (
	serviceName = "ollama-workshop-api"
	version     = "0.1.0"
)

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": version,
	})
}

// routes はミドルウェアとルーティングを設定した Gin ルーターを返します。
func (s *server) routes() *gin.Engine {
	cfg := s.cfg
	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(s.logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
		logging.RequestIDHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, logging.RequestIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)

	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Client: s.redis,
		Limit:  cfg.RateLimitPerMinute,
		Logger: s.logger,
	})

	api := router.Group("/api/v1")
	{
		authRoutes := api.Group("/auth", rateLimit)
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/register", s.auth.Register)
			authRoutes.POST("/login", s.auth.Login)
			authRoutes.POST("/logout",
				s.auth.RequireLogin(),
				s.auth.VerifyCSRF(),
				s.auth.Logout,
			)
		}

		protected := api.Group("")
		// ログイン後はユーザー単位で制限する
		protected.Use(s.auth.RequireLogin(), s.auth.VerifyCSRF(), rateLimit)
		{
			protected.GET("/users/me", s.auth.Me)
			admin := protected.Group("/users", auth.RequireAdmin())
			{
				admin.GET("", s.auth.ListUsers)
				admin.POST("/:id/approve", s.auth.ApproveUser)
				admin.POST("/:id/reject", s.auth.RejectUser)
			}

			documents.RegisterRoutes(protected.Group("/documents"), s.documents, cfg.MaxUploadBytes)
			vectordb.RegisterRoutes(protected.Group("/vector-dbs"), s.vectorDBs)
			embedding.RegisterRoutes(protected.Group("/embeddings"), s.embeddings)
			prompts.RegisterRoutes(protected.Group("/prompts"), s.prompts)
			tools.RegisterRoutes(protected.Group("/tools"), s.tools)
			ragsystems.RegisterRoutes(protected.Group("/rag-systems"), s.ragSystems)
			ollama.RegisterRoutes(protected.Group("/models"), s.models)
		}
	}

	return router
}
