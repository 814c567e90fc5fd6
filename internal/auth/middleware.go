package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// ContextUserKey は、ハンドラー間でログイン済みユーザーを共有するためのキーです。
const ContextUserKey = "auth.user"

// CurrentUser は RequireLogin が設定したユーザーを返します。未ログインなら nil です。
func CurrentUser(c *gin.Context) *storage.User {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*storage.User)
	return user
}

// SetCurrentUser はコンテキストにユーザーを設定します。
func SetCurrentUser(c *gin.Context, user *storage.User) {
	c.Set(ContextUserKey, user)
}

// RequireLogin はセッションを検証し、有効かつ承認済みのユーザーを読み込むミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, ok := session.Get(sessionKeyUser).(string)
		if !ok || userID == "" {
			apperr.Respond(c, apperr.Unauthenticated("UNAUTHORIZED", "login required"))
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
			session.Clear()
			_ = session.Save()
			apperr.Respond(c, apperr.Unauthenticated("SESSION_EXPIRED", "session has expired"))
			return
		}

		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			session.Clear()
			_ = session.Save()
			apperr.Respond(c, apperr.Unauthenticated("SESSION_IDLE_TIMEOUT", "session timed out due to inactivity"))
			return
		}

		var user storage.User
		if err := m.db.WithContext(c.Request.Context()).First(&user, "id = ?", userID).Error; err != nil {
			if storage.IsNotFound(err) {
				session.Clear()
				_ = session.Save()
				apperr.Respond(c, apperr.Unauthenticated("UNAUTHORIZED", "login required"))
				return
			}
			apperr.Respond(c, apperr.Internal("failed to load user", err))
			return
		}
		// 承認取り消しや無効化はログイン中のセッションにも即時反映する
		if !user.CanLogin() {
			apperr.Respond(c, apperr.Unauthorized("ACCOUNT_INACTIVE", "account is not active"))
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		SetCurrentUser(c, &user)
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			apperr.Respond(c, apperr.Unauthorized("CSRF_MISSING", "csrf token is not set"))
			return
		}

		received := c.GetHeader(CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			apperr.Respond(c, apperr.Unauthorized("CSRF_INVALID", "csrf token mismatch"))
			return
		}

		c.Next()
	}
}

// RequireAdmin は admin / super_admin のみを通すミドルウェアです。RequireLogin の後に置きます。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			apperr.Respond(c, apperr.Unauthenticated("UNAUTHORIZED", "login required"))
			return
		}
		if !user.Role.IsAdmin() {
			apperr.Respond(c, apperr.Unauthorized("FORBIDDEN", "insufficient permissions"))
			return
		}
		c.Next()
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
