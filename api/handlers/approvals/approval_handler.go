package approvals

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	response "makerchecker/api/handlers/common"
	"makerchecker/internal/approval"
	"makerchecker/internal/audit"
	"makerchecker/internal/auth"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/operation"

	"github.com/gin-gonic/gin"
)

// Retrier 重新执行失败的变更
type Retrier interface {
	RetryExecution(ctx context.Context, actor identity.Actor, id uint64) (*approval.ApprovalRequest, error)
}

// ApprovalHandler 审批请求处理器
type ApprovalHandler struct {
	router   *approval.DecisionRouter
	manager  *approval.Manager
	exporter *audit.Exporter
	retrier  Retrier
}

// NewApprovalHandler 创建审批请求处理器
func NewApprovalHandler(router *approval.DecisionRouter, manager *approval.Manager, exporter *audit.Exporter, retrier Retrier) *ApprovalHandler {
	return &ApprovalHandler{
		router:   router,
		manager:  manager,
		exporter: exporter,
		retrier:  retrier,
	}
}

// DecisionRequest 复核决策请求体
type DecisionRequest struct {
	Decision    operation.DecisionType `json:"decision" binding:"required"`
	Reason      string                 `json:"reason"`
	RequestType operation.Key          `json:"requestType"`
}

// Decide 提交复核决策
func (h *ApprovalHandler) Decide(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid Request")
		return
	}

	actor, _ := auth.GetActor(c)
	res, err := h.router.Route(c.Request.Context(), actor, &approval.DecisionEnvelope{
		RequestID:   id,
		Decision:    req.Decision,
		Reason:      req.Reason,
		RequestType: req.RequestType,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Get 获取审批请求及其审批步骤
func (h *ApprovalHandler) Get(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	req, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, req)
}

// List 分页查询审批请求
// 支持 status / permission 多值（重复参数或逗号分隔），from / to 为 RFC3339 时间
func (h *ApprovalHandler) List(c *gin.Context) {
	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		response.BadRequest(c, "invalid pagination: %v", err)
		return
	}

	filter := approval.ListFilter{
		PaginationRequest: page,
		Permissions:       splitMulti(c.QueryArray("permission")),
		Module:            c.Query("module"),
		Requester:         c.Query("requester"),
		TypeLike:          c.Query("type"),
	}
	for _, s := range splitMulti(c.QueryArray("status")) {
		filter.Statuses = append(filter.Statuses, approval.Status(strings.ToUpper(s)))
	}

	created, err := parseDateRange(c.Query("from"), c.Query("to"))
	if err != nil {
		response.Error(c, err)
		return
	}
	filter.CreatedIn = created

	items, total, err := h.manager.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.List(c, items, page, total)
}

// AuditTrail 审计轨迹；format=csv|json 时以附件形式导出
func (h *ApprovalHandler) AuditTrail(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	trail, err := h.manager.AuditTrail(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	format := c.Query("format")
	if format == "" {
		response.OK(c, trail)
		return
	}

	result, err := h.exporter.Export(ctx, audit.ResourceApprovalRequest, id, audit.ParseExportFormat(format))
	if err != nil {
		response.Error(c, fmt.Errorf("导出审计轨迹失败: %w", err))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(200, result.ContentType, result.Data)
}

// Retry 重新执行审批已完成但变更失败的请求
func (h *ApprovalHandler) Retry(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	actor, _ := auth.GetActor(c)
	req, err := h.retrier.RetryExecution(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, req)
}

func requestID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "Invalid Request")
		return 0, false
	}
	return id, true
}

func splitMulti(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseDateRange(from, to string) (*common.DateRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	r := &common.DateRange{}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, common.NewValidationError("from must be RFC3339")
		}
		r.Start = &t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, common.NewValidationError("to must be RFC3339")
		}
		r.End = &t
	}
	return r, nil
}
