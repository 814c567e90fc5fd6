// Package ollama は上流のモデルサーバー (Ollama) へのプロキシを提供します。
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"github.com/yourusername/ollama-workshop/internal/apperr"
)

const defaultTimeout = 60 * time.Second

// ModelInfo は /api/tags が返すモデル情報です。
type ModelInfo struct {
	Name       string         `json:"name"`
	Model      string         `json:"model"`
	ModifiedAt time.Time      `json:"modified_at"`
	Size       int64          `json:"size"`
	Digest     string         `json:"digest"`
	Details    map[string]any `json:"details,omitempty"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// GenerateRequest はテキスト生成の入力です。
type GenerateRequest struct {
	Model  string `json:"model" binding:"required"`
	Prompt string `json:"prompt" binding:"required"`
	System string `json:"system"`
}

// GenerateResponse はテキスト生成の結果です。
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// EmbedRequest は埋め込み生成の入力です。
type EmbedRequest struct {
	Model  string `json:"model" binding:"required"`
	Prompt string `json:"prompt" binding:"required"`
}

// EmbedResponse は埋め込み生成の結果です。
type EmbedResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// Client は Ollama API のクライアントです。すべての呼び出しは timeout で打ち切られます。
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient は Client を作成します。
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "ollama").Logger(),
	}
}

// ListModels はサーバーにインストール済みのモデル一覧を返します。
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, apperr.Internal("failed to build model list request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.upstreamError("list models", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, c.upstreamError("list models",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, c.upstreamError("list models", fmt.Errorf("decode response: %w", err))
	}
	if tags.Models == nil {
		tags.Models = []ModelInfo{}
	}
	return tags.Models, nil
}

// Generate はプロンプトからテキストを生成します。System が空でなければシステムメッセージとして渡します。
func (c *Client) Generate(ctx context.Context, in GenerateRequest) (*GenerateResponse, error) {
	llm, err := c.llm(in.Model)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]llms.MessageContent, 0, 2)
	if strings.TrimSpace(in.System) != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, in.System))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, in.Prompt))

	resp, err := llm.GenerateContent(ctx, messages)
	if err != nil {
		return nil, c.upstreamError("generate", err)
	}
	if len(resp.Choices) == 0 {
		return nil, c.upstreamError("generate", errors.New("empty response"))
	}

	return &GenerateResponse{
		Model:    in.Model,
		Response: resp.Choices[0].Content,
	}, nil
}

// Embed はプロンプトの埋め込みベクトルを生成します。
func (c *Client) Embed(ctx context.Context, in EmbedRequest) (*EmbedResponse, error) {
	llm, err := c.llm(in.Model)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vectors, err := llm.CreateEmbedding(ctx, []string{in.Prompt})
	if err != nil {
		return nil, c.upstreamError("embed", err)
	}
	if len(vectors) == 0 {
		return nil, c.upstreamError("embed", errors.New("empty response"))
	}

	return &EmbedResponse{
		Model:     in.Model,
		Embedding: vectors[0],
	}, nil
}

func (c *Client) llm(model string) (*ollama.LLM, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(c.baseURL),
		ollama.WithModel(model),
		ollama.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, apperr.Internal("failed to configure model client", err)
	}
	return llm, nil
}

func (c *Client) upstreamError(op string, err error) error {
	c.logger.Warn().Err(err).Str("op", op).Msg("upstream request failed")
	return apperr.Upstream("model server request failed", err)
}
