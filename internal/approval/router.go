package approval

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/operation"
)

// DecisionEnvelope 复核人提交的决策
type DecisionEnvelope struct {
	RequestID   uint64                 `json:"requestId"`
	Decision    operation.DecisionType `json:"decision"`
	Reason      string                 `json:"reason"`
	RequestType operation.Key          `json:"requestType,omitempty"`
}

// Validate 校验决策格式
func (e *DecisionEnvelope) Validate() error {
	if e == nil || e.RequestID == 0 || !e.Decision.Valid() {
		return common.NewValidationError("Invalid Request")
	}
	return nil
}

// DecisionRouter 根据决策推导操作键并通过注册表调度
//
// 通过时使用请求提交时存储的 approvalRequestType，拒绝时使用模块固定的拒绝键；
// 客户端提供的 requestType 只用于一致性校验，不参与选择目标操作。
type DecisionRouter struct {
	manager  *Manager
	registry *operation.Registry
	tracer   trace.Tracer
}

// NewDecisionRouter 创建决策路由
func NewDecisionRouter(manager *Manager, registry *operation.Registry) *DecisionRouter {
	return &DecisionRouter{
		manager:  manager,
		registry: registry,
		tracer:   otel.Tracer("makerchecker/internal/approval"),
	}
}

// Route 路由一次决策；注册表和处理器返回的类型化错误原样返回
func (r *DecisionRouter) Route(ctx context.Context, actor identity.Actor, env *DecisionEnvelope) (*operation.Result, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "DecisionRouter.Route")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("approval.request_id", int64(env.RequestID)),
		attribute.String("approval.decision", string(env.Decision)),
		attribute.String("approval.actor", actor.Username),
	)

	res, err := r.route(ctx, actor, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (r *DecisionRouter) route(ctx context.Context, actor identity.Actor, env *DecisionEnvelope) (*operation.Result, error) {
	req, err := r.manager.Get(ctx, env.RequestID)
	if err != nil {
		return nil, err
	}

	key, err := r.KeyFor(req, env)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("approval.operation", string(key)))

	return r.registry.Dispatch(ctx, key, &operation.Decision{
		RequestID: req.ID,
		Decision:  env.Decision,
		Reason:    env.Reason,
		Actor:     actor,
	})
}

// KeyFor 推导决策对应的操作键
func (r *DecisionRouter) KeyFor(req *ApprovalRequest, env *DecisionEnvelope) (operation.Key, error) {
	if env.RequestType != "" && env.RequestType != req.ApprovalRequestType {
		return "", common.NewValidationError("requestType %s does not match request %d", env.RequestType, req.ID)
	}
	if env.Decision == operation.DecisionDeclined {
		key, ok := operation.DeclineKey(req.Module)
		if !ok {
			return "", common.NewNotFoundError("unsupported or deprecated operation: no decline operation for module %s", req.Module)
		}
		return key, nil
	}
	return req.ApprovalRequestType, nil
}
