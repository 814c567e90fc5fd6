// Package prompts はプロンプトテンプレートの管理を提供します。
package prompts

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

const cacheScope = "prompts"

// Input は作成・更新時の入力です。更新では nil のフィールドは変更しません。
type Input struct {
	Title    *string   `json:"title"`
	Content  *string   `json:"content"`
	Model    *string   `json:"model"`
	Category *string   `json:"category"`
	Tags     *[]string `json:"tags"`
}

type textField struct {
	name  string
	value *string
}

func (in Input) textFields() []textField {
	return []textField{{"title", in.Title}, {"content", in.Content}, {"model", in.Model}}
}

// ListFilter は一覧の絞り込み条件です。Tag はタグ配列に含まれるものだけを返します。
type ListFilter struct {
	Category string
	Tag      string
}

type Service struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
}

func NewService(db *gorm.DB, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "prompts").Logger(),
	}
}

// List は所有者のプロンプトを更新が新しい順に返します。結果はキャッシュされます。
func (s *Service) List(ctx context.Context, userID string, page storage.Page, filter ListFilter) (*storage.List[storage.Prompt], error) {
	key := cache.Key(cacheScope, userID, "list",
		strconv.Itoa(page.Skip), strconv.Itoa(page.Limit), filter.Category, filter.Tag)

	var cached storage.List[storage.Prompt]
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := s.cache.Generation(ctx, cacheScope, userID)

	query := s.db.WithContext(ctx).Model(&storage.Prompt{}).Where("creator_id = ?", userID)
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.Tag != "" {
		query = query.Where(datatypes.JSONArrayQuery("tags").Contains(filter.Tag))
	}

	result := &storage.List[storage.Prompt]{Items: []storage.Prompt{}}
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, apperr.Internal("failed to count prompts", err)
	}
	if err := page.Apply(query.Order("updated_at DESC")).Find(&result.Items).Error; err != nil {
		return nil, apperr.Internal("failed to list prompts", err)
	}

	s.cache.SetJSON(ctx, cacheScope, userID, key, gen, result)
	return result, nil
}

// Get は所有者が一致するプロンプトを返します。存在しない・他人のものは NotFound です。
func (s *Service) Get(ctx context.Context, id, userID string) (*storage.Prompt, error) {
	key := cache.Key(cacheScope, userID, "get", id)

	var cached storage.Prompt
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := s.cache.Generation(ctx, cacheScope, userID)

	p, err := FindOwned(s.db.WithContext(ctx), id, userID)
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, cacheScope, userID, key, gen, p)
	return p, nil
}

// FindOwned は db から所有者が一致するプロンプトを読み込みます。
func FindOwned(db *gorm.DB, id, userID string) (*storage.Prompt, error) {
	var p storage.Prompt
	if err := db.Where("id = ? AND creator_id = ?", id, userID).First(&p).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("PROMPT_NOT_FOUND", "Prompt not found")
		}
		return nil, apperr.Internal("failed to load prompt", err)
	}
	return &p, nil
}

func (s *Service) Create(ctx context.Context, userID string, in Input) (*storage.Prompt, error) {
	for _, f := range in.textFields() {
		if f.value == nil || strings.TrimSpace(*f.value) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", f.name+" is required")
		}
	}

	p := &storage.Prompt{
		Title:     *in.Title,
		Content:   *in.Content,
		Model:     *in.Model,
		Category:  emptyToNil(in.Category),
		Tags:      datatypes.NewJSONSlice(normalizeTags(in.Tags)),
		CreatorID: userID,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, apperr.Internal("failed to create prompt", err)
	}

	s.cache.Invalidate(ctx, cacheScope, userID)
	s.logger.Info().Str("prompt_id", p.ID).Msg("prompt created")
	return p, nil
}

func (s *Service) Update(ctx context.Context, id, userID string, in Input) (*storage.Prompt, error) {
	db := s.db.WithContext(ctx)
	p, err := FindOwned(db, id, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	for _, f := range in.textFields() {
		if f.value == nil {
			continue
		}
		if strings.TrimSpace(*f.value) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", f.name+" must not be empty")
		}
		updates[f.name] = *f.value
	}
	if in.Category != nil {
		// 空文字はカテゴリなしに戻す
		updates["category"] = emptyToNil(in.Category)
	}
	if in.Tags != nil {
		updates["tags"] = datatypes.NewJSONSlice(normalizeTags(in.Tags))
	}
	if len(updates) == 0 {
		return p, nil
	}

	if err := db.Model(p).Updates(updates).Error; err != nil {
		return nil, apperr.Internal("failed to update prompt", err)
	}
	s.cache.Invalidate(ctx, cacheScope, userID)
	return FindOwned(db, id, userID)
}

// Delete はプロンプトを削除します。参照している RAG システムからは参照を外します。
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := FindOwned(tx, id, userID)
		if err != nil {
			return err
		}
		if err := tx.Model(&storage.RAGSystem{}).Where("prompt_id = ?", p.ID).Update("prompt_id", nil).Error; err != nil {
			return apperr.Internal("failed to detach prompt", err)
		}
		if err := tx.Delete(p).Error; err != nil {
			return apperr.Internal("failed to delete prompt", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, cacheScope, userID)
	s.cache.Invalidate(ctx, "rag_systems", userID)
	return nil
}

// normalizeTags は前後の空白を除き、空と重複を取り除きます。
func normalizeTags(tags *[]string) []string {
	out := []string{}
	if tags == nil {
		return out
	}
	seen := map[string]bool{}
	for _, t := range *tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
