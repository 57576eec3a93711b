package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sebas/agentphone/internal/agent/apperr"
)

// Response is the envelope of every API reply.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func success(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

// fail maps err onto a status by its apperr kind.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	if code == "" {
		code = kind.String()
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	c.JSON(kind.HTTPStatus(), Response{
		Success: false,
		Error:   &ErrorInfo{Kind: kind.String(), Code: code, Message: msg},
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &ErrorInfo{
			Kind:    apperr.KindUserInput.String(),
			Code:    "invalid_request",
			Message: err.Error(),
		},
	})
}
