// Package apperr はAPI全体で共有するエラー分類とレスポンス変換を提供します。
package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はエラーの分類です。HTTPステータスへの対応はここで一元管理します。
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidArgument
	KindUnauthenticated
	KindUnauthorized
	KindUpstreamUnavailable
	KindOverloaded
)

var kindStatus = map[Kind]int{
	KindInternal:            http.StatusInternalServerError,
	KindNotFound:            http.StatusNotFound,
	KindInvalidArgument:     http.StatusBadRequest,
	KindUnauthenticated:     http.StatusUnauthorized,
	KindUnauthorized:        http.StatusForbidden,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindOverloaded:          http.StatusServiceUnavailable,
}

// Error はクライアントに返すコードとメッセージを保持します。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status は HTTP ステータスコードを返します。
func (e *Error) Status() int {
	if status, ok := kindStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message, nil)
}

func InvalidArgument(code, message string) *Error {
	return newError(KindInvalidArgument, code, message, nil)
}

func Unauthenticated(code, message string) *Error {
	return newError(KindUnauthenticated, code, message, nil)
}

func Unauthorized(code, message string) *Error {
	return newError(KindUnauthorized, code, message, nil)
}

func Upstream(message string, cause error) *Error {
	return newError(KindUpstreamUnavailable, "UPSTREAM_ERROR", message, cause)
}

func Overloaded(code, message string, cause error) *Error {
	return newError(KindOverloaded, code, message, cause)
}

func Internal(message string, cause error) *Error {
	return newError(KindInternal, "INTERNAL_ERROR", message, cause)
}

// IsKind は err が指定した分類の *Error を含むか判定します。
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Respond は err をJSONエラーレスポンスに変換します。
// 内部エラーの詳細はクライアントに返しません。
func Respond(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr) && apiErr.Kind != KindInternal:
		c.AbortWithStatusJSON(apiErr.Status(), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "request was canceled",
		})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		})
	}
}

// BadRequest はリクエストボディの解析失敗をそのまま 400 で返します。
func BadRequest(c *gin.Context, message string) {
	Respond(c, InvalidArgument("INVALID_INPUT", message))
}
