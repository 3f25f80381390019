package approval

import (
	"fmt"
	"slices"

	"makerchecker/internal/common"
	"makerchecker/internal/identity"
)

// FlowType 审批流类型
type FlowType string

const (
	FlowSingle FlowType = "SINGLE"
	FlowMulti  FlowType = "MULTI"
)

// BasedType 审批人类型
type BasedType string

const (
	BasedOnRole BasedType = "ROLE"
	BasedOnUser BasedType = "USER"
)

// ModuleWideActivity 模块级默认规则的 activity
const ModuleWideActivity = "*"

// PolicyBody 审批规则中存储的策略体
type PolicyBody struct {
	ApprovalFlowType     FlowType  `json:"approvalFlowType" validate:"required,oneof=SINGLE MULTI"`
	ApprovalBasedType    BasedType `json:"approvalBasedType" validate:"required,oneof=ROLE USER"`
	InitiatorRoles       []string  `json:"initiatorRoles,omitempty" validate:"omitempty,unique,dive,required"`
	Approvers            []string  `json:"approvers" validate:"omitempty,unique,dive,required"`
	MinApprovalsRequired int       `json:"minApprovalsRequired" validate:"gte=0"`
	SequentialApproval   bool      `json:"sequentialApproval"`
	LowerBoundInMinor    *int64    `json:"lowerBoundInMinor,omitempty" validate:"omitempty,gte=0"`
	UpperBoundInMinor    *int64    `json:"upperBoundInMinor,omitempty" validate:"omitempty,gte=0"`
}

// Contains 金额是否落在 [lower, upper] 闭区间内
func (b PolicyBody) Contains(amount int64) bool {
	if b.LowerBoundInMinor == nil || b.UpperBoundInMinor == nil {
		return false
	}
	return amount >= *b.LowerBoundInMinor && amount <= *b.UpperBoundInMinor
}

// Overlaps 两个档位区间是否有交集
func (b PolicyBody) Overlaps(other PolicyBody) bool {
	if b.LowerBoundInMinor == nil || b.UpperBoundInMinor == nil ||
		other.LowerBoundInMinor == nil || other.UpperBoundInMinor == nil {
		return false
	}
	return *b.LowerBoundInMinor <= *other.UpperBoundInMinor && *other.LowerBoundInMinor <= *b.UpperBoundInMinor
}

// Policy 解析后的审批策略，提交时快照到请求上
type Policy struct {
	RuleID               uint64    `json:"ruleId"`
	Activity             string    `json:"activity"`
	Module               string    `json:"module"`
	ApprovalFlowType     FlowType  `json:"approvalFlowType"`
	ApprovalBasedType    BasedType `json:"approvalBasedType"`
	InitiatorRoles       []string  `json:"initiatorRoles,omitempty"`
	Approvers            []string  `json:"approvers"`
	MinApprovalsRequired int       `json:"minApprovalsRequired"`
	SequentialApproval   bool      `json:"sequentialApproval"`
	LowerBoundInMinor    *int64    `json:"lowerBoundInMinor,omitempty"`
	UpperBoundInMinor    *int64    `json:"upperBoundInMinor,omitempty"`
}

// PolicyFromRule 从规则构造策略快照，切片均为副本
func PolicyFromRule(r *ApprovalRule) Policy {
	return Policy{
		RuleID:               r.ID,
		Activity:             r.Activity,
		Module:               r.Module,
		ApprovalFlowType:     r.Body.ApprovalFlowType,
		ApprovalBasedType:    r.Body.ApprovalBasedType,
		InitiatorRoles:       slices.Clone(r.Body.InitiatorRoles),
		Approvers:            slices.Clone(r.Body.Approvers),
		MinApprovalsRequired: r.Body.MinApprovalsRequired,
		SequentialApproval:   r.Body.SequentialApproval,
		LowerBoundInMinor:    clonePtr(r.Body.LowerBoundInMinor),
		UpperBoundInMinor:    clonePtr(r.Body.UpperBoundInMinor),
	}
}

// RequiredApprovals 完成审批链所需的通过次数
func (p Policy) RequiredApprovals() int {
	if len(p.Approvers) == 0 {
		return 0
	}
	if p.ApprovalFlowType == FlowSingle {
		return 1
	}
	return p.MinApprovalsRequired
}

// IsMulti 是否多级审批
func (p Policy) IsMulti() bool {
	return p.ApprovalFlowType == FlowMulti
}

// CanInitiate 制单人是否满足发起角色要求；未配置发起角色时不限制
func (p Policy) CanInitiate(a identity.Actor) bool {
	if len(p.InitiatorRoles) == 0 {
		return true
	}
	return a.HasAnyRole(p.InitiatorRoles)
}

// CanApprove 单级审批下复核人是否在审批人集合内
func (p Policy) CanApprove(a identity.Actor) bool {
	if p.ApprovalBasedType == BasedOnUser {
		return slices.Contains(p.Approvers, a.Username)
	}
	return a.HasAnyRole(p.Approvers)
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ValidateRule 校验规则字段，失败时返回带明细列表的 ValidationError
func ValidateRule(r *ApprovalRule) error {
	var details []string

	if r.Module == "" {
		details = append(details, "module is required")
	}
	if r.Activity == "" {
		details = append(details, "activity is required")
	}
	if r.Activity == ModuleWideActivity && !r.Global {
		details = append(details, "module-wide default rule (activity *) must be global")
	}

	details = append(details, common.ValidateStruct(r.Body)...)

	body := r.Body
	n := len(body.Approvers)
	switch {
	case n == 0 && body.MinApprovalsRequired > 0:
		details = append(details, "approvers are required when minApprovalsRequired > 0")
	case body.ApprovalFlowType == FlowMulti && n > 0 && (body.MinApprovalsRequired < 1 || body.MinApprovalsRequired > n):
		details = append(details, fmt.Sprintf("minApprovalsRequired must be between 1 and %d", n))
	case body.ApprovalFlowType == FlowSingle && body.MinApprovalsRequired > 1:
		details = append(details, "minApprovalsRequired must be 0 or 1 for SINGLE flow")
	}
	if body.SequentialApproval && body.ApprovalFlowType != FlowMulti {
		details = append(details, "sequentialApproval requires MULTI flow")
	}

	if r.SupportThresholdConfiguration {
		if body.LowerBoundInMinor == nil || body.UpperBoundInMinor == nil {
			details = append(details, "lowerBoundInMinor and upperBoundInMinor are required for threshold rules")
		} else if *body.LowerBoundInMinor > *body.UpperBoundInMinor {
			details = append(details, "lowerBoundInMinor must not exceed upperBoundInMinor")
		}
	} else if body.LowerBoundInMinor != nil || body.UpperBoundInMinor != nil {
		details = append(details, "amount bounds are only allowed on threshold rules")
	}

	if len(details) > 0 {
		return common.NewValidationError("invalid approval rule").WithDetails(details...)
	}
	return nil
}
