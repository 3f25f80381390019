package makerchecker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"makerchecker/internal/approval"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/infra/queue"
	"makerchecker/internal/logger"
	"makerchecker/internal/operation"
	"makerchecker/internal/worker/tasks"
)

// PermissionChecker 制单权限检查
type PermissionChecker interface {
	CanInitiate(ctx context.Context, actor identity.Actor, permission string) (bool, error)
}

// Proposal 一次受双人复核保护的变更提议
type Proposal struct {
	Operation   operation.Key
	Module      string
	Activity    string
	Permission  string
	Description string
	// Global 规则槽位选择，见 approval.ResolveInput
	Global        *bool
	AmountInMinor *int64
	// Proposed 请求的变更，Initial 变更前的当前状态（新建时为空）
	Proposed any
	Initial  any
}

// Submission 返回给制单人的统一结果，不包含变更后的业务数据
type Submission struct {
	RequestID         uint64          `json:"requestId"`
	Status            approval.Status `json:"status"`
	RequiresWorkFlow  bool            `json:"requiresWorkFlow"`
	RequiredApprovals int             `json:"requiredApprovals"`
	Message           string          `json:"message"`
}

// Orchestrator 双人复核编排器
//
// 所有敏感变更都经由 Submit 进入审批流程；审批链完成后由生命周期管理器回调
// OnApproved，再通过操作注册表调度真实变更。
type Orchestrator struct {
	registry    *operation.Registry
	rules       *approval.RuleEngine
	manager     *approval.Manager
	permissions PermissionChecker
	queue       queue.Client
	async       bool
	timeout     time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

// Option 自定义配置
type Option func(*Orchestrator)

// WithAsyncExecution 审批完成后投递到后台队列执行变更
func WithAsyncExecution(q queue.Client) Option {
	return func(o *Orchestrator) {
		o.queue = q
		o.async = q != nil
	}
}

// WithExecutionTimeout 同步执行变更的超时时间
func WithExecutionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New 创建编排器，并注册为生命周期管理器的执行器
func New(
	registry *operation.Registry,
	rules *approval.RuleEngine,
	manager *approval.Manager,
	permissions PermissionChecker,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		rules:       rules,
		manager:     manager,
		permissions: permissions,
		timeout:     2 * time.Minute,
		logger:      logger.Get(),
		tracer:      otel.Tracer("makerchecker/internal/makerchecker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	manager.SetExecutor(o)
	return o
}

// Submit 制单人提交变更提议
func (o *Orchestrator) Submit(ctx context.Context, actor identity.Actor, p Proposal) (*Submission, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("approval.operation", string(p.Operation)),
		attribute.String("approval.module", p.Module),
		attribute.String("approval.activity", p.Activity),
		attribute.String("approval.actor", actor.Username),
	)

	sub, err := o.submit(ctx, actor, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("approval.request_id", int64(sub.RequestID)))
	return sub, nil
}

func (o *Orchestrator) submit(ctx context.Context, actor identity.Actor, p Proposal) (*Submission, error) {
	if actor.Username == "" {
		return nil, common.NewUnauthorizedError("actor identity is required")
	}
	if !o.registry.Has(p.Operation) {
		return nil, common.NewNotFoundError("unsupported or deprecated operation: %s", p.Operation)
	}

	allowed, err := o.permissions.CanInitiate(ctx, actor, p.Permission)
	if err != nil {
		return nil, fmt.Errorf("检查制单权限失败: %w", err)
	}
	if !allowed {
		return nil, common.NewForbiddenError("%s lacks permission %s", actor.Username, p.Permission)
	}

	proposed, err := marshalSnapshot(p.Proposed)
	if err != nil {
		return nil, common.NewValidationError("proposed data is not serializable: %v", err)
	}
	initial, err := marshalSnapshot(p.Initial)
	if err != nil {
		return nil, common.NewValidationError("initial data is not serializable: %v", err)
	}

	policy, err := o.rules.Resolve(ctx, approval.ResolveInput{
		Activity:      p.Activity,
		Module:        p.Module,
		Global:        p.Global,
		AmountInMinor: p.AmountInMinor,
	})
	if err != nil {
		return nil, err
	}
	if !policy.CanInitiate(actor) {
		return nil, common.NewForbiddenError("%s does not hold an initiator role for %s/%s", actor.Username, p.Activity, p.Module)
	}

	req, err := o.manager.Submit(ctx, approval.SubmitInput{
		Requester:     actor,
		Description:   p.Description,
		Type:          p.Operation,
		Module:        p.Module,
		Activity:      p.Activity,
		Permission:    p.Permission,
		ProposedData:  proposed,
		InitialData:   initial,
		AmountInMinor: p.AmountInMinor,
	}, policy)
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		RequestID:         req.ID,
		Status:            req.Status,
		RequiresWorkFlow:  req.RequiresWorkFlow,
		RequiredApprovals: policy.RequiredApprovals(),
		Message:           "submitted, pending approval",
	}
	if policy.RequiredApprovals() == 0 {
		done, err := o.manager.CompleteWithoutApproval(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		sub.Status = done.Status
		sub.Message = "submitted, no approval required"
	}
	return sub, nil
}

// OnApproved 实现 approval.Executor：同步执行或投递到后台队列
func (o *Orchestrator) OnApproved(ctx context.Context, req *approval.ApprovalRequest, actor identity.Actor) {
	o.schedule(ctx, req.ID, req.ExecutionAttempts, actor)
}

func (o *Orchestrator) schedule(ctx context.Context, id uint64, attempt int, actor identity.Actor) {
	log := logger.WithRequest(ctx, id, actor.Username)
	if o.async {
		err := o.queue.EnqueueExecuteApproval(ctx, tasks.ExecuteApprovalPayload{RequestID: id, Attempt: attempt, Actor: actor})
		if err == nil {
			log.Info("变更执行已投递到后台队列")
			return
		}
		log.Warn("投递执行任务失败，改为同步执行", zap.Error(err))
	}
	if _, err := o.ExecuteApproved(ctx, id, actor); err != nil && !common.IsKind(err, common.KindInvalidState) {
		log.Error("执行审批变更失败", zap.Error(err))
	}
}

// ExecuteApproved 认领并执行已完成审批的请求，结果写回请求
func (o *Orchestrator) ExecuteApproved(ctx context.Context, id uint64, actor identity.Actor) (*approval.ApprovalRequest, error) {
	ctx = logger.WithApprovalRequest(ctx, id)
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Execute")
	defer span.End()
	span.SetAttributes(attribute.Int64("approval.request_id", int64(id)))

	req, err := o.manager.ClaimExecution(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("approval.operation", string(req.ApprovalRequestType)))

	execErr := o.dispatch(ctx, req, actor)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}
	return o.manager.RecordExecutionOutcome(context.WithoutCancel(ctx), id, actor, execErr)
}

// dispatch 通过注册表执行真实变更，处理器 panic 也作为执行失败记录
func (o *Orchestrator) dispatch(ctx context.Context, req *approval.ApprovalRequest, actor identity.Actor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", req.ApprovalRequestType, r)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	_, err = o.registry.Dispatch(execCtx, req.ApprovalRequestType, &operation.Execution{
		RequestID:    req.ID,
		Key:          req.ApprovalRequestType,
		ProposedData: json.RawMessage(req.ProposedData),
		InitialData:  json.RawMessage(req.InitialData),
		Requester:    req.RequesterUsername,
		Actor:        actor,
	})
	return err
}

// RetryExecution 重新执行审批已完成但变更未成功的请求
// 执行失败、投递的任务丢失、执行认领过期的请求都可以重试
func (o *Orchestrator) RetryExecution(ctx context.Context, actor identity.Actor, id uint64) (*approval.ApprovalRequest, error) {
	req, err := o.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.manager.Retryable(req) {
		return nil, common.NewInvalidStateError("request %d is not awaiting execution", id)
	}
	if o.async {
		payload := tasks.ExecuteApprovalPayload{RequestID: id, Attempt: req.ExecutionAttempts, Actor: actor}
		if err := o.queue.EnqueueExecuteApproval(ctx, payload); err != nil {
			return nil, fmt.Errorf("投递重试任务失败: %w", err)
		}
		return req, nil
	}
	return o.ExecuteApproved(ctx, id, actor)
}

func marshalSnapshot(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return s, nil
	case []byte:
		return json.RawMessage(s), nil
	}
	return json.Marshal(v)
}
