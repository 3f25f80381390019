package audit

// Action 审计动作
type Action string

// 审批请求生命周期
const (
	ActionSubmitted       Action = "SUBMITTED"        // 制单提交
	ActionApproved        Action = "APPROVED"         // 某一步复核通过（链未结束）
	ActionDeclined        Action = "DECLINED"         // 复核拒绝
	ActionExecuted        Action = "EXECUTED"         // 审批链完成并执行变更
	ActionExecutionFailed Action = "EXECUTION_FAILED" // 审批完成但变更执行失败
	ActionRetried         Action = "EXECUTION_RETRIED"
)

// 审批规则管理
const (
	ActionRuleCreated  Action = "RULE_CREATED"
	ActionRuleUpdated  Action = "RULE_UPDATED"
	ActionRuleDisabled Action = "RULE_DISABLED"
)

// Resource 审计对象类型
type Resource string

const (
	ResourceApprovalRequest Resource = "approval_request"
	ResourceApprovalRule    Resource = "approval_rule"
)

// IsTransition 是否为审批请求状态迁移
func (a Action) IsTransition() bool {
	switch a {
	case ActionDeclined, ActionExecuted, ActionExecutionFailed, ActionApproved:
		return true
	}
	return false
}
