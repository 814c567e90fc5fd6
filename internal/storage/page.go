package storage

import (
	"strconv"

	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
)

const (
	DefaultLimit = 100
	MaxLimit     = 100
)

// Page は skip/limit によるページ指定です。
type Page struct {
	Skip  int
	Limit int
}

// ParsePage はクエリ文字列の skip/limit を検証します。
// 空文字は既定値（skip=0, limit=100）として扱います。
func ParsePage(skipStr, limitStr string) (Page, error) {
	page := Page{Skip: 0, Limit: DefaultLimit}

	if skipStr != "" {
		skip, err := strconv.Atoi(skipStr)
		if err != nil || skip < 0 {
			return Page{}, apperr.InvalidArgument("INVALID_PAGINATION", "skip must be a non-negative integer")
		}
		page.Skip = skip
	}

	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > MaxLimit {
			return Page{}, apperr.InvalidArgument("INVALID_PAGINATION", "limit must be between 1 and 100")
		}
		page.Limit = limit
	}

	return page, nil
}

// Apply はクエリに offset/limit を付与します。
func (p Page) Apply(db *gorm.DB) *gorm.DB {
	return db.Offset(p.Skip).Limit(p.Limit)
}

// List は一覧APIの共通レスポンスです。
type List[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}
