package approval

import (
	"context"

	"makerchecker/internal/common"
	"makerchecker/internal/operation"
)

// Mutation 审批通过后执行的真实变更
type Mutation func(ctx context.Context, exec *operation.Execution) (*operation.Result, error)

// Guarded 为一个受双人复核保护的操作构造处理器
//
// 同一个操作键承担两种调用：决策路由传入 Decision 时记录复核通过；
// 编排器在审批链完成后传入 Execution 时执行真实变更。
func Guarded(m *Manager, mutate Mutation) operation.Handler {
	return operation.WithArg(func(ctx context.Context, p operation.Payload) (*operation.Result, error) {
		switch v := p.(type) {
		case *operation.Decision:
			if v.Decision != operation.DecisionApproved {
				return nil, common.NewValidationError("Invalid Request")
			}
			return m.Approve(ctx, v)
		case *operation.Execution:
			return mutate(ctx, v)
		default:
			return nil, common.NewValidationError("unexpected payload for guarded operation")
		}
	})
}

// DeclineHandler 模块拒绝操作的处理器
func DeclineHandler(m *Manager) operation.Handler {
	return operation.WithArg(func(ctx context.Context, p operation.Payload) (*operation.Result, error) {
		d, ok := p.(*operation.Decision)
		if !ok || d.Decision != operation.DecisionDeclined {
			return nil, common.NewValidationError("Invalid Request")
		}
		return m.Decline(ctx, d)
	})
}
