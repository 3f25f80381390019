package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"makerchecker/internal/config"
	"makerchecker/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueExecuteApproval(ctx context.Context, payload tasks.ExecuteApprovalPayload) error
	Close() error
}

type asynqClient struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient 创建任务队列客户端
func NewClient(redisCfg config.RedisConfig, approvalCfg config.ApprovalConfig) Client {
	client := asynq.NewClient(RedisOpt(redisCfg))

	queue := approvalCfg.Queue
	if queue == "" {
		queue = "approval"
	}
	timeout := time.Duration(approvalCfg.ExecutionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &asynqClient{client: client, queue: queue, timeout: timeout}
}

// RedisOpt 由 Redis 配置构造 asynq 连接参数
func RedisOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
		}
	case "cluster":
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}
	default:
		return asynq.RedisClientOpt{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
}

func (c *asynqClient) EnqueueExecuteApproval(ctx context.Context, payload tasks.ExecuteApprovalPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeExecuteApproval, data)

	// 变更失败会写入 errorTrace，由人工重试，队列层不重试
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
		asynq.Queue(c.queue),
		asynq.TaskID(tasks.ExecuteApprovalTaskID(payload.RequestID, payload.Attempt)),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
