package tasks

import (
	"fmt"

	"makerchecker/internal/identity"
)

// Task Types
const (
	TypeExecuteApproval = "approval:execute"
)

// ExecuteApprovalPayload 审批通过后执行变更的任务载荷
type ExecuteApprovalPayload struct {
	RequestID uint64         `json:"request_id"`
	Attempt   int            `json:"attempt"` // 投递时已认领的执行次数
	Actor     identity.Actor `json:"actor"`
}

// ExecuteApprovalTaskID 同一请求的同一次执行只允许存在一个任务；
// 重试使用新的 attempt，不会被已归档的旧任务挡住
func ExecuteApprovalTaskID(requestID uint64, attempt int) string {
	return fmt.Sprintf("approval-exec-%d-%d", requestID, attempt)
}
