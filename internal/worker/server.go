package worker

import (
	"context"

	"makerchecker/internal/config"
	"makerchecker/internal/infra/queue"
	"makerchecker/internal/worker/handlers"
	"makerchecker/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(
	redisCfg config.RedisConfig,
	approvalCfg config.ApprovalConfig,
	workerCfg config.WorkerConfig,
	runner handlers.ExecutionRunner,
	logger *zap.Logger,
) *Server {
	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	queueName := approvalCfg.Queue
	if queueName == "" {
		queueName = "approval"
	}

	srv := asynq.NewServer(
		queue.RedisOpt(redisCfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 6,
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	executionHandler := handlers.NewExecutionHandler(runner, logger)
	mux.HandleFunc(tasks.TypeExecuteApproval, executionHandler.HandleExecuteApproval)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
