package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/storage"
	"github.com/yourusername/ollama-workshop/internal/storage/storagetest"
)

func ptr(s string) *string { return &s }

func newInput(name string) Input {
	return Input{Name: ptr(name), Description: ptr("looks things up"), Code: ptr("def run(q):\n    return q")}
}

func TestCreateDefaultsLanguage(t *testing.T) {
	db := storagetest.NewDB(t)
	user := storagetest.CreateUser(t, db, "owner")
	svc := NewService(db, nil, zerolog.Nop())
	ctx := context.Background()

	tool, err := svc.Create(ctx, user.ID, newInput("search"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLanguage, tool.Language)

	in := newInput("fetch")
	in.Language = ptr(" JavaScript ")
	tool, err = svc.Create(ctx, user.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "javascript", tool.Language)

	_, err = svc.Create(ctx, user.ID, Input{Name: ptr("x"), Description: ptr("")})
	var apiErr *apperr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "code is required", apiErr.Message)
}

func TestListByLanguageAndOwnership(t *testing.T) {
	db := storagetest.NewDB(t)
	owner := storagetest.CreateUser(t, db, "owner")
	other := storagetest.CreateUser(t, db, "other")
	svc := NewService(db, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Create(ctx, owner.ID, newInput("search"))
	require.NoError(t, err)
	in := newInput("fetch")
	in.Language = ptr("javascript")
	js, err := svc.Create(ctx, owner.ID, in)
	require.NoError(t, err)

	list, err := svc.List(ctx, owner.ID, storage.Page{Limit: 10}, "javascript")
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, js.ID, list.Items[0].ID)

	list, err = svc.List(ctx, other.ID, storage.Page{Limit: 10}, "")
	require.NoError(t, err)
	assert.Zero(t, list.Total)

	_, err = svc.Get(ctx, js.ID, other.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	_, err = svc.Test(ctx, js.ID, other.ID, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	specs, err := svc.Specs(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "fetch", specs[0].Name)
	assert.Equal(t, "looks things up", specs[0].Description)
	assert.NotNil(t, specs[0].InputSchema)
}

func TestUpdateAndDelete(t *testing.T) {
	db := storagetest.NewDB(t)
	owner := storagetest.CreateUser(t, db, "owner")
	svc := NewService(db, nil, zerolog.Nop())
	ctx := context.Background()

	tool, err := svc.Create(ctx, owner.ID, newInput("search"))
	require.NoError(t, err)

	updated, err := svc.Update(ctx, tool.ID, owner.ID, Input{Description: ptr("web search"), Language: ptr("Go")})
	require.NoError(t, err)
	assert.Equal(t, "search", updated.Name)
	assert.Equal(t, "web search", updated.Description)
	assert.Equal(t, "go", updated.Language)

	_, err = svc.Update(ctx, tool.ID, owner.ID, Input{Code: ptr(" ")})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	require.NoError(t, svc.Delete(ctx, tool.ID, owner.ID))
	var apiErr *apperr.Error
	require.ErrorAs(t, svc.Delete(ctx, tool.ID, owner.ID), &apiErr)
	assert.Equal(t, "TOOL_NOT_FOUND", apiErr.Code)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := storagetest.NewDB(t)
	user := storagetest.CreateUser(t, db, "owner")

	r := gin.New()
	RegisterRoutes(r.Group("/tools", func(c *gin.Context) {
		auth.SetCurrentUser(c, user)
		c.Next()
	}), NewService(db, nil, zerolog.Nop()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tools",
		strings.NewReader(`{"name":"weather","description":"current weather","code":"def run(city): ..."}`)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created storage.Tool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools/list", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"name":"weather","description":"current weather","input_schema":{}}]`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tools/"+created.ID+"/test", strings.NewReader(`{"city":"Tokyo"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var result TestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, `Tool 'weather' executed with parameters: {"city":"Tokyo"}`, result.Result)
	assert.True(t, strings.HasSuffix(result.ExecutionTime, "s"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tools/"+created.ID+"/test", strings.NewReader(`[1,2]`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools?language=python", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Tool not found")
}
