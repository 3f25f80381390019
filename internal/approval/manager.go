package approval

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"makerchecker/internal/audit"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/logger"
	"makerchecker/internal/metrics"
	"makerchecker/internal/operation"
)

// Executor 审批链完成后接管执行的组件
type Executor interface {
	OnApproved(ctx context.Context, req *ApprovalRequest, actor identity.Actor)
}

// Manager 审批请求生命周期管理器
//
// 每次状态迁移都在一个事务内完成：读取、校验、以 id + version 条件更新、写审计。
// 并发决策中只有一个能命中版本号，其余得到 InvalidStateError。
type Manager struct {
	repo             *Repository
	recorder         *audit.Recorder
	executor         Executor
	eventBus         *ApprovalEventBus
	logger           *zap.Logger
	now              func() time.Time
	executionTimeout time.Duration
}

// ManagerOption 自定义配置
type ManagerOption func(*Manager)

// WithEventBus 注入事件总线
func WithEventBus(bus *ApprovalEventBus) ManagerOption {
	return func(m *Manager) { m.eventBus = bus }
}

// WithManagerLogger 注入自定义日志器
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithExecutionTimeout 执行认领超时，超时后允许重新认领
func WithExecutionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.executionTimeout = d
		}
	}
}

// NewManager 创建审批管理器
func NewManager(repo *Repository, recorder *audit.Recorder, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		repo:             repo,
		recorder:         recorder,
		logger:           logger.Get(),
		now:              func() time.Time { return time.Now().UTC() },
		executionTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr
}

// SetExecutor 设置执行器；启动阶段在编排器构建完成后调用
func (m *Manager) SetExecutor(e Executor) {
	m.executor = e
}

// EventBus 返回事件总线
func (m *Manager) EventBus() *ApprovalEventBus {
	return m.eventBus
}

// SubmitInput 提交审批请求的参数
type SubmitInput struct {
	Requester     identity.Actor
	Description   string
	Type          operation.Key
	Module        string
	Activity      string
	Permission    string
	ProposedData  json.RawMessage
	InitialData   json.RawMessage
	AmountInMinor *int64
}

// Submit 以 NOT_TREATED 状态创建审批请求；多级策略同时按审批人槽位创建审批步骤
func (m *Manager) Submit(ctx context.Context, in SubmitInput, policy Policy) (*ApprovalRequest, error) {
	var details []string
	if in.Requester.Username == "" {
		details = append(details, "requester is required")
	}
	if in.Type == "" {
		details = append(details, "approvalRequestType is required")
	}
	if in.Module == "" {
		details = append(details, "module is required")
	}
	if in.Permission == "" {
		details = append(details, "permission is required")
	}
	if len(in.ProposedData) == 0 || !json.Valid(in.ProposedData) {
		details = append(details, "proposedData must be valid JSON")
	}
	if len(in.InitialData) > 0 && !json.Valid(in.InitialData) {
		details = append(details, "initialData must be valid JSON")
	}
	if len(details) > 0 {
		return nil, common.NewValidationError("invalid approval request").WithDetails(details...)
	}

	req := &ApprovalRequest{
		RequesterName:       in.Requester.Name,
		RequesterUsername:   in.Requester.Username,
		RequesterEmail:      in.Requester.Email,
		OrganizationID:      in.Requester.OrganizationID,
		Description:         in.Description,
		ProposedData:        datatypes.JSON(in.ProposedData),
		InitialData:         datatypes.JSON(in.InitialData),
		ApprovalRequestType: in.Type,
		Module:              in.Module,
		Activity:            in.Activity,
		Permission:          in.Permission,
		AmountInMinor:       in.AmountInMinor,
		Status:              StatusNotTreated,
		RequiresWorkFlow:    policy.IsMulti(),
		RuleID:              policy.RuleID,
		Policy:              policy,
	}
	if policy.IsMulti() {
		req.Flows = buildFlows(policy, in.Requester.OrganizationID)
	}

	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.repo.CreateRequest(ctx, tx, req); err != nil {
			return err
		}
		return m.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRequest,
			ResourceID: req.ID,
			Action:     audit.ActionSubmitted,
			Actor:      in.Requester,
			After:      snapshotOf(req),
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ApprovalSubmissionsTotal.WithLabelValues(req.Module, string(policy.ApprovalFlowType)).Inc()
	metrics.ApprovalPendingGauge.WithLabelValues(req.Module).Inc()
	m.publish(req, EventSubmitted, in.Requester.Username, "")
	m.logger.Info("审批请求已提交",
		zap.Uint64("requestId", req.ID),
		zap.String("actor", in.Requester.Username),
		zap.String("type", string(req.ApprovalRequestType)),
		zap.String("status", string(req.Status)),
		zap.Bool("requiresWorkFlow", req.RequiresWorkFlow),
	)
	return req, nil
}

func buildFlows(policy Policy, orgID string) []ApprovalFlow {
	flows := make([]ApprovalFlow, 0, len(policy.Approvers))
	for i, approver := range policy.Approvers {
		f := ApprovalFlow{
			Position:          i,
			OrganizationID:    orgID,
			RoleBasedApproval: policy.ApprovalBasedType == BasedOnRole,
			Status:            FlowPending,
		}
		if f.RoleBasedApproval {
			f.ApproverRole = approver
		} else {
			f.ApproverUsername = approver
		}
		flows = append(flows, f)
	}
	return flows
}

// Approve 记录一次复核通过；单级策略直接完成，多级策略在通过数达到要求时完成
func (m *Manager) Approve(ctx context.Context, d *operation.Decision) (*operation.Result, error) {
	if err := checkDecision(d); err != nil {
		return nil, err
	}
	ctx = logger.WithApprovalRequest(ctx, d.RequestID)
	actor := d.Actor

	var (
		req      *ApprovalRequest
		executed bool
	)
	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = m.loadOpen(ctx, tx, d.RequestID, actor)
		if err != nil {
			return err
		}
		before := snapshotOf(req)
		now := m.now()

		if !req.RequiresWorkFlow {
			if !req.Policy.CanApprove(actor) {
				return common.NewForbiddenError("%s is not an approver for request %d", actor.Username, req.ID)
			}
			req.NextApprovalIndex = 1
			executed = true
		} else {
			flow, err := selectFlow(req, actor)
			if err != nil {
				return err
			}
			flow.Status = FlowApproved
			flow.Reason = d.Reason
			flow.ActedBy = actor.Username
			flow.ActedAt = &now
			if err := m.repo.CloseFlow(ctx, tx, flow); err != nil {
				return err
			}
			approvedCount := countFlows(req.Flows, FlowApproved)
			if approvedCount > req.NextApprovalIndex {
				req.NextApprovalIndex = approvedCount
			}
			executed = approvedCount >= req.Policy.RequiredApprovals()
		}

		req.ApprovalUsername = &actor.Username
		if executed {
			req.Status = StatusExecuted
			req.Approved = true
			req.ApprovedDate = &now
		} else {
			req.Status = StatusPending
		}
		if err := m.repo.CompareAndSwap(ctx, tx, req, transitionColumns(req)); err != nil {
			return err
		}

		action := audit.ActionApproved
		if executed {
			action = audit.ActionExecuted
		}
		return m.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRequest,
			ResourceID: req.ID,
			Action:     action,
			Actor:      actor,
			Before:     before,
			After:      snapshotOf(req),
			Reason:     d.Reason,
		})
	})
	if err != nil {
		m.decisionFailed(req, operation.DecisionApproved, err)
		return nil, err
	}

	metrics.ApprovalDecisionsTotal.WithLabelValues(req.Module, string(operation.DecisionApproved), "ok").Inc()
	m.logger.Info("审批请求已通过",
		zap.Uint64("requestId", req.ID),
		zap.String("actor", actor.Username),
		zap.String("status", string(req.Status)),
		zap.Int("nextApprovalIndex", req.NextApprovalIndex),
	)

	if !executed {
		m.publish(req, EventPending, actor.Username, d.Reason)
		return &operation.Result{
			RequestID: req.ID,
			Status:    string(req.Status),
			Message:   "approval recorded, awaiting further approvals",
			Data:      req,
		}, nil
	}

	metrics.ApprovalPendingGauge.WithLabelValues(req.Module).Dec()
	m.publish(req, EventExecuted, actor.Username, d.Reason)
	req = m.handOff(ctx, req, actor)
	return &operation.Result{
		RequestID: req.ID,
		Status:    string(req.Status),
		Message:   executionMessage(req),
		Data:      req,
	}, nil
}

// Decline 拒绝请求；NOT_TREATED 与 PENDING 均可拒绝，拒绝为终态
func (m *Manager) Decline(ctx context.Context, d *operation.Decision) (*operation.Result, error) {
	if err := checkDecision(d); err != nil {
		return nil, err
	}
	ctx = logger.WithApprovalRequest(ctx, d.RequestID)
	actor := d.Actor

	var req *ApprovalRequest
	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = m.loadOpen(ctx, tx, d.RequestID, actor)
		if err != nil {
			return err
		}
		before := snapshotOf(req)
		now := m.now()

		if !req.RequiresWorkFlow {
			if !req.Policy.CanApprove(actor) {
				return common.NewForbiddenError("%s is not an approver for request %d", actor.Username, req.ID)
			}
		} else {
			flow, err := selectFlow(req, actor)
			if err != nil {
				return err
			}
			flow.Status = FlowDeclined
			flow.Reason = d.Reason
			flow.ActedBy = actor.Username
			flow.ActedAt = &now
			if err := m.repo.CloseFlow(ctx, tx, flow); err != nil {
				return err
			}
		}

		req.Status = StatusDeclined
		req.Approved = false
		req.ApprovalUsername = &actor.Username
		req.ApprovedDate = &now
		if err := m.repo.CompareAndSwap(ctx, tx, req, transitionColumns(req)); err != nil {
			return err
		}
		return m.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRequest,
			ResourceID: req.ID,
			Action:     audit.ActionDeclined,
			Actor:      actor,
			Before:     before,
			After:      snapshotOf(req),
			Reason:     d.Reason,
		})
	})
	if err != nil {
		m.decisionFailed(req, operation.DecisionDeclined, err)
		return nil, err
	}

	metrics.ApprovalDecisionsTotal.WithLabelValues(req.Module, string(operation.DecisionDeclined), "ok").Inc()
	metrics.ApprovalPendingGauge.WithLabelValues(req.Module).Dec()
	m.publish(req, EventDeclined, actor.Username, d.Reason)
	m.logger.Info("审批请求已拒绝",
		zap.Uint64("requestId", req.ID),
		zap.String("actor", actor.Username),
		zap.String("status", string(req.Status)),
	)
	return &operation.Result{
		RequestID: req.ID,
		Status:    string(req.Status),
		Message:   "request declined",
		Data:      req,
	}, nil
}

// CompleteWithoutApproval 策略不需要任何复核时由系统直接完成
func (m *Manager) CompleteWithoutApproval(ctx context.Context, id uint64) (*ApprovalRequest, error) {
	ctx = logger.WithApprovalRequest(ctx, id)
	var req *ApprovalRequest
	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = m.repo.LoadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status != StatusNotTreated {
			return common.NewInvalidStateError("request already treated")
		}
		if req.Policy.RequiredApprovals() != 0 {
			return common.NewInvalidStateError("request %d requires %d approvals", id, req.Policy.RequiredApprovals())
		}
		before := snapshotOf(req)
		now := m.now()
		req.Status = StatusExecuted
		req.Approved = true
		system := identity.System.Username
		req.ApprovalUsername = &system
		req.ApprovedDate = &now
		if err := m.repo.CompareAndSwap(ctx, tx, req, transitionColumns(req)); err != nil {
			return err
		}
		return m.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRequest,
			ResourceID: req.ID,
			Action:     audit.ActionExecuted,
			Actor:      identity.System,
			Before:     before,
			After:      snapshotOf(req),
			Reason:     "policy requires no approvals",
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ApprovalPendingGauge.WithLabelValues(req.Module).Dec()
	m.publish(req, EventExecuted, identity.System.Username, "")
	return m.handOff(ctx, req, identity.System), nil
}

// ClaimExecution 认领一次变更执行，防止重试或重复投递导致同一请求被并发执行
func (m *Manager) ClaimExecution(ctx context.Context, id uint64) (*ApprovalRequest, error) {
	ctx = logger.WithApprovalRequest(ctx, id)
	var req *ApprovalRequest
	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = m.repo.LoadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status != StatusExecuted || req.ExecutedAt != nil {
			return common.NewInvalidStateError("request %d is not awaiting execution", id)
		}
		now := m.now()
		if req.ExecutionClaimedAt != nil && now.Sub(*req.ExecutionClaimedAt) < m.executionTimeout {
			return common.NewInvalidStateError("request %d execution already in progress", id)
		}
		req.ExecutionAttempts++
		req.ExecutionClaimedAt = &now
		return m.repo.CompareAndSwap(ctx, tx, req, map[string]any{
			"execution_attempts":   req.ExecutionAttempts,
			"execution_claimed_at": req.ExecutionClaimedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// RecordExecutionOutcome 记录变更执行结果；失败时写入 errorTrace 与 EXECUTION_FAILED 审计
func (m *Manager) RecordExecutionOutcome(ctx context.Context, id uint64, actor identity.Actor, execErr error) (*ApprovalRequest, error) {
	ctx = logger.WithApprovalRequest(ctx, id)
	var req *ApprovalRequest
	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = m.repo.LoadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status != StatusExecuted || req.ExecutedAt != nil {
			return common.NewInvalidStateError("request %d is not awaiting execution", id)
		}
		before := snapshotOf(req)
		retried := req.ErrorTrace != "" || req.ExecutionAttempts > 1

		var action audit.Action
		if execErr == nil {
			now := m.now()
			req.ExecutedAt = &now
			req.ErrorTrace = ""
			if retried {
				action = audit.ActionRetried
			}
		} else {
			req.ErrorTrace = execErr.Error()
			action = audit.ActionExecutionFailed
		}
		req.ExecutionClaimedAt = nil

		if err := m.repo.CompareAndSwap(ctx, tx, req, map[string]any{
			"executed_at":          req.ExecutedAt,
			"error_trace":          req.ErrorTrace,
			"execution_claimed_at": nil,
		}); err != nil {
			return err
		}
		if action == "" {
			return nil
		}
		return m.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRequest,
			ResourceID: req.ID,
			Action:     action,
			Actor:      actor,
			Before:     before,
			After:      snapshotOf(req),
		})
	})
	if err != nil {
		return nil, err
	}

	log := m.logger.With(zap.Uint64("requestId", req.ID), zap.String("actor", actor.Username))
	if execErr != nil {
		metrics.ApprovalExecutionsTotal.WithLabelValues(string(req.ApprovalRequestType), "failed").Inc()
		m.publish(req, EventExecutionFailed, actor.Username, req.ErrorTrace)
		log.Error("审批变更执行失败", zap.Error(execErr), zap.Int("attempts", req.ExecutionAttempts))
	} else {
		metrics.ApprovalExecutionsTotal.WithLabelValues(string(req.ApprovalRequestType), "success").Inc()
		log.Info("审批变更执行成功", zap.Int("attempts", req.ExecutionAttempts))
	}
	return req, nil
}

// Retryable 请求是否可以重新执行变更
func (m *Manager) Retryable(req *ApprovalRequest) bool {
	return req.AwaitingExecution(m.now(), m.executionTimeout)
}

// Get 读取请求及其有序审批步骤
func (m *Manager) Get(ctx context.Context, id uint64) (*ApprovalRequest, error) {
	return m.repo.LoadRequest(ctx, nil, id)
}

// List 分页查询
func (m *Manager) List(ctx context.Context, f ListFilter) ([]ApprovalRequest, int64, error) {
	return m.repo.ListRequests(ctx, f)
}

// AuditTrail 请求的审计轨迹，按时间正序
func (m *Manager) AuditTrail(ctx context.Context, id uint64) ([]audit.AuditLog, error) {
	if _, err := m.repo.LoadRequest(ctx, nil, id); err != nil {
		return nil, err
	}
	return m.recorder.Trail(ctx, audit.ResourceApprovalRequest, id)
}

// SyncPendingGauge 启动时按数据库现状校准待审批指标
func (m *Manager) SyncPendingGauge(ctx context.Context) error {
	counts, err := m.repo.CountOpen(ctx)
	if err != nil {
		return err
	}
	metrics.ApprovalPendingGauge.Reset()
	for module, total := range counts {
		metrics.ApprovalPendingGauge.WithLabelValues(module).Set(float64(total))
	}
	return nil
}

// loadOpen 读取请求并校验可接受决策：状态未终结、复核人不是制单人
func (m *Manager) loadOpen(ctx context.Context, tx *gorm.DB, id uint64, actor identity.Actor) (*ApprovalRequest, error) {
	req, err := m.repo.LoadRequest(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.Open() {
		return nil, common.NewInvalidStateError("request already treated")
	}
	if actor.Username == req.RequesterUsername {
		return nil, common.NewForbiddenError("maker %s cannot treat their own request", actor.Username)
	}
	return req, nil
}

// handOff 把已完成的请求交给执行器，返回最新状态
func (m *Manager) handOff(ctx context.Context, req *ApprovalRequest, actor identity.Actor) *ApprovalRequest {
	if m.executor == nil {
		m.logger.Warn("未配置执行器，变更未执行", zap.Uint64("requestId", req.ID))
		return req
	}
	m.executor.OnApproved(ctx, req, actor)
	latest, err := m.repo.LoadRequest(ctx, nil, req.ID)
	if err != nil {
		m.logger.Warn("重新读取审批请求失败", zap.Uint64("requestId", req.ID), zap.Error(err))
		return req
	}
	return latest
}

func (m *Manager) decisionFailed(req *ApprovalRequest, decision operation.DecisionType, err error) {
	module := ""
	if req != nil {
		module = req.Module
	}
	kind := common.KindInternal
	if be, ok := common.AsBusinessError(err); ok {
		kind = be.Kind
	}
	metrics.ApprovalDecisionsTotal.WithLabelValues(module, string(decision), kind).Inc()
}

func (m *Manager) publish(req *ApprovalRequest, typ EventType, actor, reason string) {
	m.eventBus.Publish(ApprovalEvent{
		RequestID:  req.ID,
		Module:     req.Module,
		Type:       typ,
		Status:     req.Status,
		Actor:      actor,
		Reason:     reason,
		OccurredAt: m.now(),
	})
}

func checkDecision(d *operation.Decision) error {
	if d == nil || d.RequestID == 0 {
		return common.NewValidationError("Invalid Request")
	}
	if d.Actor.Username == "" {
		return common.NewUnauthorizedError("actor identity is required")
	}
	return nil
}

// selectFlow 选出 actor 本次处理的审批步骤
// 同一 actor 在一条审批链上最多处理一个步骤；顺序审批时只能处理当前步骤
func selectFlow(req *ApprovalRequest, actor identity.Actor) (*ApprovalFlow, error) {
	var pending []*ApprovalFlow
	for i := range req.Flows {
		f := &req.Flows[i]
		if f.Status != FlowPending {
			if f.ActedBy == actor.Username {
				return nil, common.NewForbiddenError("%s already acted on step %d", actor.Username, f.Position)
			}
			continue
		}
		pending = append(pending, f)
	}
	if len(pending) == 0 {
		return nil, common.NewInvalidStateError("no pending approval step on request %d", req.ID)
	}

	if req.Policy.SequentialApproval {
		current := pending[0]
		if current.eligible(actor) {
			return current, nil
		}
		for _, f := range pending[1:] {
			if f.eligible(actor) {
				return nil, common.NewInvalidStateError(
					"out-of-order approval: step %d must be treated before step %d", current.Position, f.Position)
			}
		}
		return nil, common.NewForbiddenError("%s is not an approver for request %d", actor.Username, req.ID)
	}

	for _, f := range pending {
		if f.eligible(actor) {
			return f, nil
		}
	}
	return nil, common.NewForbiddenError("%s is not an approver for request %d", actor.Username, req.ID)
}

// eligible actor 是否可处理该步骤
func (f *ApprovalFlow) eligible(actor identity.Actor) bool {
	if f.OrganizationID != "" && actor.OrganizationID != "" && f.OrganizationID != actor.OrganizationID {
		return false
	}
	if f.RoleBasedApproval {
		return actor.HasRole(f.ApproverRole)
	}
	return f.ApproverUsername == actor.Username
}

func countFlows(flows []ApprovalFlow, status FlowStatus) int {
	n := 0
	for _, f := range flows {
		if f.Status == status {
			n++
		}
	}
	return n
}

func transitionColumns(req *ApprovalRequest) map[string]any {
	return map[string]any{
		"status":              req.Status,
		"approved":            req.Approved,
		"approval_username":   req.ApprovalUsername,
		"approved_date":       req.ApprovedDate,
		"next_approval_index": req.NextApprovalIndex,
	}
}

func executionMessage(req *ApprovalRequest) string {
	switch {
	case req.ExecutedAt != nil:
		return "request approved and executed"
	case req.ErrorTrace != "":
		return "request approved, execution failed"
	default:
		return "request approved, execution scheduled"
	}
}

// stateSnapshot 审计前后状态
type stateSnapshot struct {
	Status            Status  `json:"status"`
	Approved          bool    `json:"approved"`
	NextApprovalIndex int     `json:"nextApprovalIndex"`
	ApprovalUsername  *string `json:"approvalUsername,omitempty"`
	ErrorTrace        string  `json:"errorTrace,omitempty"`
	Executed          bool    `json:"executed"`
}

func snapshotOf(req *ApprovalRequest) stateSnapshot {
	s := stateSnapshot{
		Status:            req.Status,
		Approved:          req.Approved,
		NextApprovalIndex: req.NextApprovalIndex,
		ErrorTrace:        req.ErrorTrace,
		Executed:          req.ExecutedAt != nil,
	}
	if req.ApprovalUsername != nil {
		u := *req.ApprovalUsername
		s.ApprovalUsername = &u
	}
	return s
}
