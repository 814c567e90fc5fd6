// Package tools はモデルから呼び出すツール定義の管理を提供します。
// ツールのコードは保存するだけで、サーバー上では実行しません。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

const (
	cacheScope = "tools"

	DefaultLanguage = "python"
)

// Input は作成・更新時の入力です。更新では nil のフィールドは変更しません。
type Input struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Code        *string `json:"code"`
	Language    *string `json:"language"`
}

// Spec はチャットで利用できるツールの記述です。
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// TestResult はツールの試行結果です。
type TestResult struct {
	Success       bool   `json:"success"`
	Result        string `json:"result"`
	ExecutionTime string `json:"execution_time"`
}

type Service struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "tools").Logger(),
		now:    time.Now,
	}
}

func (s *Service) List(ctx context.Context, userID string, page storage.Page, language string) (*storage.List[storage.Tool], error) {
	key := cache.Key(cacheScope, userID, "list", strconv.Itoa(page.Skip), strconv.Itoa(page.Limit), language)

	var cached storage.List[storage.Tool]
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := s.cache.Generation(ctx, cacheScope, userID)

	query := s.db.WithContext(ctx).Model(&storage.Tool{}).Where("creator_id = ?", userID)
	if language != "" {
		query = query.Where("language = ?", language)
	}

	result := &storage.List[storage.Tool]{Items: []storage.Tool{}}
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, apperr.Internal("failed to count tools", err)
	}
	if err := page.Apply(query.Order("updated_at DESC")).Find(&result.Items).Error; err != nil {
		return nil, apperr.Internal("failed to list tools", err)
	}

	s.cache.SetJSON(ctx, cacheScope, userID, key, gen, result)
	return result, nil
}

// Specs は所有者のすべてのツールをチャット向けの形式で返します。
func (s *Service) Specs(ctx context.Context, userID string) ([]Spec, error) {
	var items []storage.Tool
	if err := s.db.WithContext(ctx).
		Where("creator_id = ?", userID).
		Order("name").
		Find(&items).Error; err != nil {
		return nil, apperr.Internal("failed to list tools", err)
	}

	specs := make([]Spec, 0, len(items))
	for _, t := range items {
		specs = append(specs, Spec{Name: t.Name, Description: t.Description, InputSchema: map[string]any{}})
	}
	return specs, nil
}

func (s *Service) Get(ctx context.Context, id, userID string) (*storage.Tool, error) {
	return findOwned(s.db.WithContext(ctx), id, userID)
}

func findOwned(db *gorm.DB, id, userID string) (*storage.Tool, error) {
	var t storage.Tool
	if err := db.Where("id = ? AND creator_id = ?", id, userID).First(&t).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("TOOL_NOT_FOUND", "Tool not found")
		}
		return nil, apperr.Internal("failed to load tool", err)
	}
	return &t, nil
}

func (s *Service) Create(ctx context.Context, userID string, in Input) (*storage.Tool, error) {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "name is required")
	}
	if in.Description == nil {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "description is required")
	}
	if in.Code == nil || strings.TrimSpace(*in.Code) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "code is required")
	}
	language := DefaultLanguage
	if in.Language != nil && strings.TrimSpace(*in.Language) != "" {
		language = strings.ToLower(strings.TrimSpace(*in.Language))
	}

	t := &storage.Tool{
		Name:        *in.Name,
		Description: *in.Description,
		Code:        *in.Code,
		Language:    language,
		CreatorID:   userID,
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, apperr.Internal("failed to create tool", err)
	}

	s.cache.Invalidate(ctx, cacheScope, userID)
	s.logger.Info().Str("tool_id", t.ID).Str("language", t.Language).Msg("tool created")
	return t, nil
}

func (s *Service) Update(ctx context.Context, id, userID string, in Input) (*storage.Tool, error) {
	db := s.db.WithContext(ctx)
	t, err := findOwned(db, id, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", "name must not be empty")
		}
		updates["name"] = *in.Name
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.Code != nil {
		if strings.TrimSpace(*in.Code) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", "code must not be empty")
		}
		updates["code"] = *in.Code
	}
	if in.Language != nil {
		if strings.TrimSpace(*in.Language) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", "language must not be empty")
		}
		updates["language"] = strings.ToLower(strings.TrimSpace(*in.Language))
	}
	if len(updates) == 0 {
		return t, nil
	}

	if err := db.Model(t).Updates(updates).Error; err != nil {
		return nil, apperr.Internal("failed to update tool", err)
	}
	s.cache.Invalidate(ctx, cacheScope, userID)
	return findOwned(db, id, userID)
}

func (s *Service) Delete(ctx context.Context, id, userID string) error {
	db := s.db.WithContext(ctx)
	t, err := findOwned(db, id, userID)
	if err != nil {
		return err
	}
	if err := db.Delete(t).Error; err != nil {
		return apperr.Internal("failed to delete tool", err)
	}

	s.cache.Invalidate(ctx, cacheScope, userID)
	return nil
}

// Test はツールを実行せずに、受け取ったパラメータで呼び出した場合の結果を返します。
func (s *Service) Test(ctx context.Context, id, userID string, params map[string]any) (*TestResult, error) {
	start := s.now()
	t, err := findOwned(s.db.WithContext(ctx), id, userID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "parameters must be a JSON object")
	}

	return &TestResult{
		Success:       true,
		Result:        fmt.Sprintf("Tool '%s' executed with parameters: %s", t.Name, encoded),
		ExecutionTime: fmt.Sprintf("%.1fs", s.now().Sub(start).Seconds()),
	}, nil
}
