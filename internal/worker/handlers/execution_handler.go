package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"makerchecker/internal/approval"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/metrics"
	"makerchecker/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ExecutionRunner 审批变更执行器抽象，便于注入 mock
type ExecutionRunner interface {
	ExecuteApproved(ctx context.Context, requestID uint64, actor identity.Actor) (*approval.ApprovalRequest, error)
}

type ExecutionHandler struct {
	runner ExecutionRunner
	logger *zap.Logger
}

func NewExecutionHandler(runner ExecutionRunner, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		runner: runner,
		logger: logger,
	}
}

// HandleExecuteApproval 执行审批已完成的变更
//
// 变更本身的失败写入请求的 errorTrace，任务按完成处理，释放任务 ID 以便人工重试。
func (h *ExecutionHandler) HandleExecuteApproval(ctx context.Context, t *asynq.Task) error {
	var p tasks.ExecuteApprovalPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		metrics.QueueTasksTotal.WithLabelValues(t.Type(), "invalid").Inc()
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.RequestID == 0 {
		metrics.QueueTasksTotal.WithLabelValues(t.Type(), "invalid").Inc()
		return fmt.Errorf("request_id is required: %w", asynq.SkipRetry)
	}

	log := h.logger.With(zap.Uint64("request_id", p.RequestID), zap.String("actor", p.Actor.Username))
	log.Info("开始执行审批变更任务")

	req, err := h.runner.ExecuteApproved(ctx, p.RequestID, p.Actor)
	switch {
	case common.IsKind(err, common.KindInvalidState):
		// 已执行或正被其他 worker 认领
		log.Info("审批请求无需执行", zap.Error(err))
		metrics.QueueTasksTotal.WithLabelValues(t.Type(), "skipped").Inc()
		return nil
	case common.IsKind(err, common.KindNotFound):
		metrics.QueueTasksTotal.WithLabelValues(t.Type(), "invalid").Inc()
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case err != nil:
		log.Error("审批变更任务失败", zap.Error(err))
		metrics.QueueTasksTotal.WithLabelValues(t.Type(), "error").Inc()
		return err
	}

	if req.ExecutionFailed() {
		log.Warn("审批变更执行失败，等待人工重试", zap.String("error_trace", req.ErrorTrace))
		metrics.QueueTasksTotal.WithLabelValues(t.Type(), "failed").Inc()
		return nil
	}

	log.Info("审批变更执行完成", zap.Int("attempts", req.ExecutionAttempts))
	metrics.QueueTasksTotal.WithLabelValues(t.Type(), "success").Inc()
	return nil
}
