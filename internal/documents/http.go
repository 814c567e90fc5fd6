package documents

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// RegisterRoutes は /documents 配下のルートを登録します。
func RegisterRoutes(rg *gin.RouterGroup, svc *Service, maxUploadBytes int64) {
	rg.GET("", listHandler(svc))
	rg.POST("", createHandler(svc))
	rg.POST("/upload", uploadHandler(svc, maxUploadBytes))
	rg.GET("/:id", getHandler(svc))
	rg.PUT("/:id", updateHandler(svc))
	rg.DELETE("/:id", deleteHandler(svc))
	rg.POST("/:id/extract", extractHandler(svc))
}

func listHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := storage.ParsePage(c.Query("skip"), c.Query("limit"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}

		result, err := svc.List(c.Request.Context(), auth.CurrentUser(c).ID, page, c.Query("file_type"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := svc.Get(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func createHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			apperr.BadRequest(c, "title, content (base64) and file_type are required")
			return
		}

		doc, err := svc.Create(c.Request.Context(), auth.CurrentUser(c).ID, in)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

func uploadHandler(svc *Service, maxUploadBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxUploadBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
		}

		header, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				apperr.Respond(c, apperr.InvalidArgument("FILE_TOO_LARGE", "uploaded file exceeds the size limit"))
				return
			}
			apperr.BadRequest(c, "send the document as multipart/form-data field \"file\"")
			return
		}

		file, err := header.Open()
		if err != nil {
			apperr.Respond(c, apperr.Internal("failed to open upload", err))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			apperr.Respond(c, apperr.Internal("failed to read upload", err))
			return
		}

		doc, err := svc.Upload(c.Request.Context(), auth.CurrentUser(c).ID, c.PostForm("title"), header.Filename, data)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

type updateRequest struct {
	Title string `json:"title" binding:"required"`
}

func updateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "title is required")
			return
		}

		doc, err := svc.UpdateTitle(c.Request.Context(), c.Param("id"), auth.CurrentUser(c).ID, req.Title)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
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

func extractHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		doc, err := svc.Get(ctx, c.Param("id"), auth.CurrentUser(c).ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}

		text, err := svc.ExtractText(ctx, doc)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"document_id": doc.ID,
			"text":        text,
		})
	}
}
