package embedding

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// RegisterRoutes は /embeddings 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, o *Orchestrator) {
	rg.GET("", listHandler(o))
	rg.GET("/models", modelsHandler)
	rg.POST("", createHandler(o))
	rg.GET("/tasks/:task_id", taskStatusHandler(o))
	rg.GET("/:id", getHandler(o))
	rg.DELETE("/:id", deleteHandler(o))
}

func modelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, Models())
}

func listHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := storage.ParsePage(c.Query("skip"), c.Query("limit"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}

		result, err := o.List(c.Request.Context(), auth.CurrentUser(c).ID, page, ListFilter{
			DocumentID: c.Query("document_id"),
			VectorDBID: c.Query("vector_db_id"),
		})
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := o.Get(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func createHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "document_id, vector_db_id and model are required")
			return
		}

		accepted, err := o.CreateJob(c.Request.Context(), req, auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

// taskStatusHandler は未知のタスクIDにも 200 で status=not_found を返します。
func taskStatusHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if strings.TrimSpace(taskID) == "" {
			apperr.BadRequest(c, "task_id is required")
			return
		}
		c.JSON(http.StatusOK, o.TaskStatus(taskID))
	}
}

func deleteHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := o.Delete(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID); err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
