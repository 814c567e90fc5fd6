package prompts

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// RegisterRoutes は /prompts 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, svc *Service) {
	rg.GET("", listHandler(svc))
	rg.POST("", createHandler(svc))
	rg.GET("/:id", getHandler(svc))
	rg.PUT("/:id", updateHandler(svc))
	rg.DELETE("/:id", deleteHandler(svc))
}

func listHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := storage.ParsePage(c.Query("skip"), c.Query("limit"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		filter := ListFilter{Category: c.Query("category"), Tag: c.Query("tag")}
		result, err := svc.List(c.Request.Context(), auth.CurrentUser(c).ID, page, filter)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Get(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func createHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in Input
		if err := c.ShouldBindJSON(&in); err != nil {
			apperr.BadRequest(c, "invalid JSON body")
			return
		}
		p, err := svc.Create(c.Request.Context(), auth.CurrentUser(c).ID, in)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, p)
	}
}

func updateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in Input
		if err := c.ShouldBindJSON(&in); err != nil {
			apperr.BadRequest(c, "invalid JSON body")
			return
		}
		p, err := svc.Update(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID, in)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func deleteHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID); err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
