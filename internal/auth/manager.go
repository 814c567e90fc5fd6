package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/config"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

const (
	SessionCookieName    = "ow_session"
	sessionKeyUser       = "auth_user_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	CSRFHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
// ログイン失敗回数は IP ごとにプロセス内で保持します。
type Manager struct {
	cfg    *config.Config
	db     *gorm.DB
	logger zerolog.Logger

	lock     sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, db *gorm.DB, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		db:       db,
		logger:   logger.With().Str("component", "auth").Logger(),
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "username and password are required")
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "too many failed login attempts, try again later",
		})
		return
	}

	var user storage.User
	err := m.db.WithContext(c.Request.Context()).Where("username = ?", req.Username).First(&user).Error
	if err != nil && !storage.IsNotFound(err) {
		apperr.Respond(c, apperr.Internal("failed to load user", err))
		return
	}
	if err != nil || !verifyPassword(user.HashedPassword, req.Password) {
		remaining := m.recordFailure(ip)
		m.logger.Warn().Str("client_ip", ip).Int("remaining", remaining).Msg("login failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "incorrect username or password",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)

	if !user.IsActive {
		apperr.Respond(c, apperr.Unauthorized("ACCOUNT_INACTIVE", "account is not active"))
		return
	}
	if user.ApprovalStatus != storage.ApprovalApproved {
		apperr.Respond(c, apperr.Unauthorized("ACCOUNT_NOT_APPROVED", "account is pending approval"))
		return
	}

	token, err := generateToken()
	if err != nil {
		apperr.Respond(c, apperr.Internal("failed to generate csrf token", err))
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Clear()
	session.Set(sessionKeyUser, user.ID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		apperr.Respond(c, apperr.Internal("failed to save session", err))
		return
	}

	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		apperr.Respond(c, apperr.Internal("failed to clear session", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HashPassword は bcrypt でパスワードをハッシュ化します。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	return max(maxLoginAttempts-state.count, 0)
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
