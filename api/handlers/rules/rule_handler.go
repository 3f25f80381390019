package rules

import (
	"strconv"

	response "makerchecker/api/handlers/common"
	"makerchecker/internal/approval"
	"makerchecker/internal/auth"
	"makerchecker/pkg/money"

	"github.com/gin-gonic/gin"
)

// RuleHandler 审批规则管理
type RuleHandler struct {
	engine *approval.RuleEngine
}

// NewRuleHandler 创建规则处理器
func NewRuleHandler(engine *approval.RuleEngine) *RuleHandler {
	return &RuleHandler{engine: engine}
}

// List 规则列表
func (h *RuleHandler) List(c *gin.Context) {
	var f approval.RuleFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		response.BadRequest(c, "参数错误: %v", err)
		return
	}
	rules, err := h.engine.ListRules(c.Request.Context(), f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rules)
}

// Create 创建规则
func (h *RuleHandler) Create(c *gin.Context) {
	var in approval.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "参数错误: %v", err)
		return
	}
	actor, _ := auth.GetActor(c)
	rule, err := h.engine.CreateRule(c.Request.Context(), actor, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rule)
}

// Get 规则详情
func (h *RuleHandler) Get(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}
	rule, err := h.engine.GetRule(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rule)
}

// Update 更新规则；已提交的请求保留提交时的策略快照
func (h *RuleHandler) Update(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}
	var in approval.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "参数错误: %v", err)
		return
	}
	actor, _ := auth.GetActor(c)
	rule, err := h.engine.UpdateRule(c.Request.Context(), actor, id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rule)
}

// Disable 停用规则（软删除）
func (h *RuleHandler) Disable(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}
	actor, _ := auth.GetActor(c)
	if err := h.engine.DisableRule(c.Request.Context(), actor, id); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"id": id, "disabled": true})
}

// ResolveRequest 规则解析请求；amount 为十进制金额字符串，按 currencyExponent 转为最小单位
type ResolveRequest struct {
	approval.ResolveInput
	Amount           string `json:"amount"`
	CurrencyExponent *int32 `json:"currencyExponent"`
}

// Resolve 预览某个 activity / module / 金额将命中的审批策略
func (h *RuleHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: %v", err)
		return
	}
	if req.Amount != "" {
		exponent := money.DefaultExponent
		if req.CurrencyExponent != nil {
			exponent = *req.CurrencyExponent
		}
		minor, err := money.ParseMinor(req.Amount, exponent)
		if err != nil {
			response.BadRequest(c, "%v", err)
			return
		}
		req.AmountInMinor = &minor
	}

	policy, err := h.engine.Resolve(c.Request.Context(), req.ResolveInput)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{
		"policy":            policy,
		"requiredApprovals": policy.RequiredApprovals(),
	})
}

func ruleID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid rule id")
		return 0, false
	}
	return id, true
}
