package tools

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// RegisterRoutes は /tools 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, svc *Service) {
	rg.GET("", listHandler(svc))
	rg.GET("/list", specsHandler(svc))
	rg.POST("", createHandler(svc))
	rg.GET("/:id", getHandler(svc))
	rg.PUT("/:id", updateHandler(svc))
	rg.DELETE("/:id", deleteHandler(svc))
	rg.POST("/:id/test", testHandler(svc))
}

func listHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := storage.ParsePage(c.Query("skip"), c.Query("limit"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		result, err := svc.List(c.Request.Context(), auth.CurrentUser(c).ID, page, c.Query("language"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func specsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		specs, err := svc.Specs(c.Request.Context(), auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, specs)
	}
}

func getHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Get(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func createHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in Input
		if err := c.ShouldBindJSON(&in); err != nil {
			apperr.BadRequest(c, "invalid JSON body")
			return
		}
		t, err := svc.Create(c.Request.Context(), auth.CurrentUser(c).ID, in)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

func updateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in Input
		if err := c.ShouldBindJSON(&in); err != nil {
			apperr.BadRequest(c, "invalid JSON body")
			return
		}
		t, err := svc.Update(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID, in)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
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

func testHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params map[string]any
		if err := c.ShouldBindJSON(&params); err != nil {
			apperr.BadRequest(c, "parameters must be a JSON object")
			return
		}
		result, err := svc.Test(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID, params)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
