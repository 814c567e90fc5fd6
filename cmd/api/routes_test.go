package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/config"
)

type apiClient struct {
	t       *testing.T
	router  *gin.Engine
	cookies []*http.Cookie
	csrf    string
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		GinMode:            gin.TestMode,
		SessionSecret:      "test-secret",
		AutoApproveUsers:   true,
		CORSAllowedOrigins: "http://localhost:3000",
		DatabaseURL:        filepath.Join(t.TempDir(), "api.db"),
		OllamaAPIURL:       upstream.URL,
		UpstreamTimeout:    time.Second,
		TaskWorkers:        2,
		TaskQueueSize:      8,
		TaskRetention:      time.Hour,
		MaxUploadBytes:     1 << 20,
	}

	srv, err := newServer(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.close(ctx)
	})

	return &apiClient{t: t, router: srv.routes()}
}

func (c *apiClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.csrf != "" {
		req.Header.Set(auth.CSRFHeader, c.csrf)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}

	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	if cookies := w.Result().Cookies(); len(cookies) > 0 {
		c.cookies = cookies
	}
	return w
}

func (c *apiClient) decode(w *httptest.ResponseRecorder) map[string]any {
	c.t.Helper()
	var body map[string]any
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"ollama-workshop-api","version":"0.1.0"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{
		"/api/v1/documents", "/api/v1/embeddings", "/api/v1/models", "/api/v1/users/me",
		"/api/v1/prompts", "/api/v1/tools", "/api/v1/rag-systems",
	} {
		w := api.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestEmbeddingJobLifecycle(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/api/v1/auth/register", gin.H{
		"username": "alice", "email": "alice@example.com", "password": "alice-password",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(http.MethodPost, "/api/v1/auth/login", gin.H{"username": "alice", "password": "alice-password"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	csrf := w.Header().Get(auth.CSRFHeader)
	require.NotEmpty(t, csrf)

	// CSRF トークンなしの更新系リクエストは拒否される
	w = api.do(http.MethodPost, "/api/v1/vector-dbs", gin.H{"name": "main", "type": "chroma"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	api.csrf = csrf

	text := strings.Repeat("workshop ", 300)
	w = api.do(http.MethodPost, "/api/v1/documents", gin.H{
		"title":     "notes",
		"content":   base64.StdEncoding.EncodeToString([]byte(text)),
		"file_type": "txt",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	docID := api.decode(w)["id"].(string)

	w = api.do(http.MethodPost, "/api/v1/vector-dbs", gin.H{"name": "main", "type": "chroma"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vdbID := api.decode(w)["id"].(string)

	w = api.do(http.MethodPost, "/api/v1/embeddings", gin.H{
		"document_id":   docID,
		"vector_db_id":  vdbID,
		"model":         "nomic-embed-text:latest",
		"chunk_size":    1000,
		"chunk_overlap": 100,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := api.decode(w)
	assert.Equal(t, "processing", accepted["status"])
	taskID := accepted["task_id"].(string)
	embeddingID := accepted["embedding_id"].(string)

	require.Eventually(t, func() bool {
		w := api.do(http.MethodGet, "/api/v1/embeddings/tasks/"+taskID, nil)
		return w.Code == http.StatusOK && api.decode(w)["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	w = api.do(http.MethodGet, "/api/v1/embeddings/"+embeddingID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := api.decode(w)
	assert.Equal(t, "completed", job["status"])
	assert.Len(t, job["chunks"], 3)

	w = api.do(http.MethodPost, "/api/v1/embeddings", gin.H{
		"document_id":   docID,
		"vector_db_id":  vdbID,
		"model":         "nomic-embed-text:latest",
		"chunk_size":    100,
		"chunk_overlap": 100,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_CHUNK_WINDOW", api.decode(w)["code"])

	w = api.do(http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"models":[]}`, w.Body.String())

	w = api.do(http.MethodPost, "/api/v1/prompts", gin.H{"title": "qa", "content": "Answer: {{q}}", "model": "llama3"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	promptID := api.decode(w)["id"].(string)

	w = api.do(http.MethodPost, "/api/v1/rag-systems", gin.H{
		"name":            "workshop notes",
		"embedding_model": "nomic-embed-text:latest",
		"documents":       []string{docID},
		"vector_db_id":    vdbID,
		"prompt_id":       promptID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ragID := api.decode(w)["id"].(string)

	w = api.do(http.MethodPost, "/api/v1/rag-systems/"+ragID+"/test", gin.H{"text": "workshop"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := api.decode(w)
	assert.Equal(t, "llama3", result["model_used"])
	assert.Len(t, result["retrieved_chunks"], 3)

	w = api.do(http.MethodPost, "/api/v1/tools", gin.H{"name": "search", "description": "web search", "code": "def run(q): ..."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(http.MethodGet, "/api/v1/users", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
