package api

import (
	"context"
	"os"
	"strings"
	"time"

	approvalHandlers "makerchecker/api/handlers/approvals"
	authHandlers "makerchecker/api/handlers/auth"
	roleHandlers "makerchecker/api/handlers/roles"
	ruleHandlers "makerchecker/api/handlers/rules"
	"makerchecker/internal/approval"
	"makerchecker/internal/audit"
	"makerchecker/internal/auth"
	"makerchecker/internal/config"
	"makerchecker/internal/infra"
	"makerchecker/internal/infra/queue"
	"makerchecker/internal/logger"
	"makerchecker/internal/makerchecker"
	"makerchecker/internal/operation"
	"makerchecker/internal/role"
	"makerchecker/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppContainer 应用容器，集中管理所有服务依赖
type AppContainer struct {
	// 基础设施
	DB          *gorm.DB
	Config      *config.Config
	RedisClient redis.UniversalClient
	QueueClient queue.Client

	// 认证相关
	JWTService  *auth.JWTService
	Permissions auth.PermissionChecker

	// 审批引擎
	Recorder     *audit.Recorder
	Exporter     *audit.Exporter
	Repository   *approval.Repository
	RuleEngine   *approval.RuleEngine
	Manager      *approval.Manager
	EventBus     *approval.ApprovalEventBus
	Registry     *operation.Registry
	Router       *approval.DecisionRouter
	Orchestrator *makerchecker.Orchestrator

	// 受保护的业务模块
	RoleService  *role.Service
	RoleRequests *role.Requests

	// Worker
	WorkerServer *worker.Server

	stopEvents func()
}

// Handlers HTTP 处理器集合
type Handlers struct {
	Auth     *authHandlers.AuthHandler
	Approval *approvalHandlers.ApprovalHandler
	Rule     *ruleHandlers.RuleHandler
	Role     *roleHandlers.RoleHandler
}

// Models 需要迁移的表
func Models() []any {
	return append(approval.Models(), &audit.AuditLog{}, &role.Role{})
}

// InitContainer 初始化应用容器
func InitContainer(db *gorm.DB, cfg *config.Config) (*AppContainer, error) {
	container := &AppContainer{
		DB:     db,
		Config: cfg,
	}

	// 初始化 Redis
	container.initRedis(cfg)

	// 初始化认证服务
	container.initAuth(cfg)

	// 初始化审批引擎与受保护模块
	if err := container.initApproval(db, cfg); err != nil {
		return nil, err
	}

	// 初始化 Worker
	container.initWorker(cfg)

	return container, nil
}

// InitHandlers 初始化所有 Handlers
func (c *AppContainer) InitHandlers() *Handlers {
	return &Handlers{
		Auth:     authHandlers.NewAuthHandler(c.JWTService),
		Approval: approvalHandlers.NewApprovalHandler(c.Router, c.Manager, c.Exporter, c.Orchestrator),
		Rule:     ruleHandlers.NewRuleHandler(c.RuleEngine),
		Role:     roleHandlers.NewRoleHandler(c.RoleService, c.RoleRequests),
	}
}

func (c *AppContainer) initRedis(cfg *config.Config) {
	redisCfg := infra.NormalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	client, err := infra.InitRedis(redisCfg)
	if err != nil {
		logger.Warn("Redis 不可用，令牌黑名单与异步执行将被禁用", zap.Error(err))
		return
	}
	c.RedisClient = client
	if cfg.Approval.AsyncExecution {
		c.QueueClient = queue.NewClient(redisCfg, cfg.Approval)
	}
}

func (c *AppContainer) initAuth(cfg *config.Config) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}

	jwtSecretKey := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecretKey == "" {
		jwtSecretKey = strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	}
	if jwtSecretKey == "" {
		if strings.EqualFold(cfg.Server.Mode, "release") || strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production") {
			logger.Fatal("JWT_SECRET_KEY 未配置，生产环境禁止使用默认密钥")
		}
		jwtSecretKey = "default_jwt_secret_key_change_in_production"
		logger.Warn("JWT_SECRET_KEY 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}

	c.JWTService = auth.NewJWTService(jwtSecretKey, cfg.Auth.Issuer, c.RedisClient)
	c.Permissions = auth.NewStaticPermissionChecker(cfg.Auth.RolePermissions)
}

func (c *AppContainer) initApproval(db *gorm.DB, cfg *config.Config) error {
	timeout := time.Duration(cfg.Approval.ExecutionTimeoutSeconds) * time.Second

	c.Recorder = audit.NewRecorder(db)
	c.Exporter = audit.NewExporter(c.Recorder)
	c.Repository = approval.NewRepository(db)
	c.RuleEngine = approval.NewRuleEngine(c.Repository, c.Recorder)
	c.EventBus = approval.NewApprovalEventBus(&approval.EventBusConfig{BufferSize: cfg.Approval.EventBufferSize})
	c.Manager = approval.NewManager(c.Repository, c.Recorder,
		approval.WithEventBus(c.EventBus),
		approval.WithExecutionTimeout(timeout),
	)

	// 注册全部受保护操作，构建后注册表只读
	c.RoleService = role.NewService(db)
	builder := operation.NewBuilder()
	if err := role.Register(builder, c.Manager, c.RoleService); err != nil {
		return err
	}
	c.Registry = builder.Build()
	c.Router = approval.NewDecisionRouter(c.Manager, c.Registry)

	opts := []makerchecker.Option{makerchecker.WithExecutionTimeout(timeout)}
	if c.QueueClient != nil {
		opts = append(opts, makerchecker.WithAsyncExecution(c.QueueClient))
	}
	c.Orchestrator = makerchecker.New(c.Registry, c.RuleEngine, c.Manager, c.Permissions, opts...)
	c.RoleRequests = role.NewRequests(c.RoleService, c.Orchestrator)

	if err := c.Manager.SyncPendingGauge(context.Background()); err != nil {
		logger.Warn("校准待审批指标失败", zap.Error(err))
	}
	c.stopEvents = watchEvents(c.EventBus)

	logger.Info("审批引擎初始化完成",
		zap.Int("operations", len(c.Registry.Keys())),
		zap.Bool("async_execution", c.QueueClient != nil),
	)
	return nil
}

func (c *AppContainer) initWorker(cfg *config.Config) {
	if !cfg.Worker.Enabled || c.QueueClient == nil {
		return
	}
	c.WorkerServer = worker.NewServer(cfg.Redis, cfg.Approval, cfg.Worker, c.Orchestrator, logger.Get())
}

// Close 释放容器持有的资源
func (c *AppContainer) Close() {
	if c.stopEvents != nil {
		c.stopEvents()
	}
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			logger.Warn("关闭队列客户端失败", zap.Error(err))
		}
	}
	if c.RedisClient != nil {
		if err := infra.CloseRedis(c.RedisClient); err != nil {
			logger.Warn("关闭 Redis 失败", zap.Error(err))
		}
	}
}

// watchEvents 把审批事件写入日志，返回取消订阅函数
func watchEvents(bus *approval.ApprovalEventBus) func() {
	events, cancel := bus.Subscribe(approval.AllRequests)
	go func() {
		for evt := range events {
			logger.Info("审批事件",
				zap.Uint64("requestId", evt.RequestID),
				zap.String("module", evt.Module),
				zap.String("type", string(evt.Type)),
				zap.String("actor", evt.Actor),
			)
		}
	}()
	return cancel
}
