package common

import (
	"net/http"

	"makerchecker/internal/common"
	"makerchecker/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusFor 业务错误类别 -> HTTP 状态码
func StatusFor(err error) int {
	be, ok := common.AsBusinessError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch be.Kind {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindUnauthorized:
		return http.StatusUnauthorized
	case common.KindForbidden:
		return http.StatusForbidden
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindConflict, common.KindInvalidState:
		return http.StatusConflict
	case common.KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error 写入错误响应；非业务错误只记录日志，不向客户端暴露细节
func Error(c *gin.Context, err error) {
	be, ok := common.AsBusinessError(err)
	if !ok {
		logger.WithContext(c.Request.Context()).Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		be = &common.BusinessError{Code: common.CodeInternalError, Kind: common.KindInternal, Message: "internal server error"}
	}
	c.JSON(StatusFor(be), common.ErrorResponse(be))
}

// BadRequest 请求体或参数无法解析
func BadRequest(c *gin.Context, format string, args ...any) {
	Error(c, common.NewValidationError(format, args...))
}

// OK 200
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, common.SuccessResponse(data))
}

// Created 201
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, common.SuccessResponse(data))
}

// Accepted 202，变更已提交等待审批
func Accepted(c *gin.Context, message string, data any) {
	c.JSON(http.StatusAccepted, common.SuccessMessageResponse(message, data))
}

// List 分页列表
func List(c *gin.Context, items any, page common.PaginationRequest, total int64) {
	c.JSON(http.StatusOK, common.SuccessResponse(
		common.NewListResponse(items, page.GetPage(), page.GetPageSize(), total),
	))
}
