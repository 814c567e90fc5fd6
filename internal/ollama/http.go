package ollama

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/apperr"
)

// RegisterRoutes は /models 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, client *Client) {
	rg.GET("", listHandler(client))
	rg.POST("/generate", generateHandler(client))
	rg.POST("/embeddings", embedHandler(client))
}

func listHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		models, err := client.ListModels(c.Request.Context())
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": models})
	}
}

func generateHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "model and prompt are required")
			return
		}
		resp, err := client.Generate(c.Request.Context(), req)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func embedHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EmbedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "model and prompt are required")
			return
		}
		resp, err := client.Embed(c.Request.Context(), req)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
