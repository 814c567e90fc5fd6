// Package auth は認証・認可機能を提供します。
//
// セッションはクッキーに保存し、状態変更系のリクエストには X-CSRF-Token ヘッダーを要求します。
package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

type registerRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// Register は /auth/register のハンドラーです。
// AUTO_APPROVE_USERS が無効な場合、作成されたアカウントは管理者の承認までログインできません。
func (m *Manager) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "username, a valid email and a password of at least 8 characters are required")
		return
	}

	user, err := m.register(c, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	m.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	c.JSON(http.StatusCreated, user)
}

func (m *Manager) register(c *gin.Context, req registerRequest) (*storage.User, error) {
	db := m.db.WithContext(c.Request.Context())

	var count int64
	if err := db.Model(&storage.User{}).
		Where("username = ? OR email = ?", req.Username, req.Email).
		Count(&count).Error; err != nil {
		return nil, apperr.Internal("failed to check user", err)
	}
	if count > 0 {
		return nil, apperr.InvalidArgument("USER_EXISTS", "username or email already registered")
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, apperr.Internal("failed to hash password", err)
	}

	user := &storage.User{
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hash,
		Role:           storage.RoleUser,
		ApprovalStatus: storage.ApprovalPending,
	}
	if m.cfg.AutoApproveUsers {
		user.IsActive = true
		user.ApprovalStatus = storage.ApprovalApproved
	}

	if err := db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.InvalidArgument("USER_EXISTS", "username or email already registered")
		}
		return nil, apperr.Internal("failed to create user", err)
	}
	return user, nil
}

// Me は GET /users/me のハンドラーです。
func (m *Manager) Me(c *gin.Context) {
	c.JSON(http.StatusOK, CurrentUser(c))
}

// ListUsers は GET /users のハンドラーです。?approval_status= で絞り込めます。
func (m *Manager) ListUsers(c *gin.Context) {
	page, err := storage.ParsePage(c.Query("skip"), c.Query("limit"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	query := m.db.WithContext(c.Request.Context()).Model(&storage.User{})
	if status := c.Query("approval_status"); status != "" {
		query = query.Where("approval_status = ?", status)
	}

	var result storage.List[storage.User]
	if err := query.Count(&result.Total).Error; err != nil {
		apperr.Respond(c, apperr.Internal("failed to count users", err))
		return
	}
	result.Items = []storage.User{}
	if err := page.Apply(query.Order("created_at DESC")).Find(&result.Items).Error; err != nil {
		apperr.Respond(c, apperr.Internal("failed to list users", err))
		return
	}
	c.JSON(http.StatusOK, result)
}

// ApproveUser は POST /users/:id/approve のハンドラーです。
func (m *Manager) ApproveUser(c *gin.Context) {
	m.setApproval(c, storage.ApprovalApproved, true)
}

// RejectUser は POST /users/:id/reject のハンドラーです。
func (m *Manager) RejectUser(c *gin.Context) {
	m.setApproval(c, storage.ApprovalRejected, false)
}

func (m *Manager) setApproval(c *gin.Context, status storage.ApprovalStatus, active bool) {
	db := m.db.WithContext(c.Request.Context())

	var user storage.User
	if err := db.First(&user, "id = ?", c.Param("id")).Error; err != nil {
		if storage.IsNotFound(err) {
			apperr.Respond(c, apperr.NotFound("USER_NOT_FOUND", "User not found"))
			return
		}
		apperr.Respond(c, apperr.Internal("failed to load user", err))
		return
	}

	// false をゼロ値として無視させないため map で更新する
	if err := db.Model(&user).Updates(map[string]any{
		"approval_status": status,
		"is_active":       active,
	}).Error; err != nil {
		apperr.Respond(c, apperr.Internal("failed to update user", err))
		return
	}
	user.ApprovalStatus = status
	user.IsActive = active

	m.logger.Info().
		Str("user_id", user.ID).
		Str("approval_status", string(status)).
		Str("by", CurrentUser(c).ID).
		Msg("user approval changed")
	c.JSON(http.StatusOK, user)
}

// Promote は指定ユーザーのロールを変更します。CLI から利用します。
func Promote(db *gorm.DB, username string, role storage.Role) error {
	res := db.Model(&storage.User{}).
		Where("username = ?", username).
		Updates(map[string]any{
			"role":            role,
			"is_active":       true,
			"approval_status": storage.ApprovalApproved,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
