package documents

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

func init() {
	// ユーザー設定ディレクトリに pdfcpu の設定ファイルを作らせない
	model.ConfigPath = "disable"
}

var plainTextTypes = map[string]bool{
	"txt":  true,
	"md":   true,
	"csv":  true,
	"json": true,
}

// ExtractText はドキュメントの内容からテキストを取り出します。
// テキスト系はそのまま、PDF はページ数を含むプレースホルダー、その他は種別名のプレースホルダーを返します。
func (s *Service) ExtractText(ctx context.Context, doc *storage.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	content, err := base64.StdEncoding.DecodeString(doc.Content)
	if err != nil {
		return "", extractionError("document content is not valid base64", err)
	}

	fileType := strings.ToLower(doc.FileType)
	switch {
	case plainTextTypes[fileType]:
		if !utf8.Valid(content) {
			return "", extractionError("document is not valid UTF-8 text", nil)
		}
		return string(content), nil
	case fileType == "pdf":
		pages, err := api.PageCount(bytes.NewReader(content), nil)
		if err != nil {
			return "", extractionError("failed to read PDF", err)
		}
		return fmt.Sprintf("Extracted text from PDF: %s (%d pages)", doc.Title, pages), nil
	case fileType == "docx":
		return fmt.Sprintf("Extracted text from Word document: %s", doc.Title), nil
	default:
		return fmt.Sprintf("Extracted text from %s file: %s", strings.ToUpper(fileType), doc.Title), nil
	}
}

func extractionError(message string, cause error) error {
	return &apperr.Error{
		Kind:    apperr.KindInvalidArgument,
		Code:    "EXTRACTION_FAILED",
		Message: message,
		Err:     cause,
	}
}
