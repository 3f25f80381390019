package operation

import (
	"context"
	"sort"

	"makerchecker/internal/common"
	"makerchecker/internal/metrics"
)

// Handler 已注册的操作处理器，支持无参与单参两种调用形态
type Handler struct {
	noArg   func(ctx context.Context) (*Result, error)
	withArg func(ctx context.Context, p Payload) (*Result, error)
}

// NoArg 构造无参处理器
func NoArg(fn func(ctx context.Context) (*Result, error)) Handler {
	return Handler{noArg: fn}
}

// WithArg 构造单参处理器
func WithArg(fn func(ctx context.Context, p Payload) (*Result, error)) Handler {
	return Handler{withArg: fn}
}

func (h Handler) valid() bool {
	return (h.noArg == nil) != (h.withArg == nil)
}

// Builder 启动阶段收集注册项；Build 之后不再接受注册
type Builder struct {
	handlers map[Key]Handler
	built    bool
}

// NewBuilder 创建注册表构建器
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[Key]Handler)}
}

// Register 绑定操作键与处理器；重复绑定返回 ConflictError 且不影响已有绑定
func (b *Builder) Register(key Key, h Handler) error {
	if b.built {
		return common.NewConflictError("registry already built, cannot register %s", key)
	}
	if key == "" {
		return common.NewValidationError("operation key is required")
	}
	if !h.valid() {
		return common.NewValidationError("handler for %s must have exactly one call shape", key)
	}
	if _, exists := b.handlers[key]; exists {
		return common.NewConflictError("operation %s already registered", key)
	}
	b.handlers[key] = h
	return nil
}

// MustRegister 注册失败时 panic，仅用于启动阶段的固定注册列表
func (b *Builder) MustRegister(key Key, h Handler) {
	if err := b.Register(key, h); err != nil {
		panic(err)
	}
}

// Build 冻结注册项，返回不可变注册表
func (b *Builder) Build() *Registry {
	b.built = true
	frozen := make(map[Key]Handler, len(b.handlers))
	for k, h := range b.handlers {
		frozen[k] = h
	}
	return &Registry{handlers: frozen}
}

// Registry 不可变的操作注册表，构建后可无锁并发读取
type Registry struct {
	handlers map[Key]Handler
}

// Has 是否存在该操作键
func (r *Registry) Has(key Key) bool {
	_, ok := r.handlers[key]
	return ok
}

// Keys 返回已注册的操作键（排序后）
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Dispatch 按操作键调用处理器，结果与处理器返回的错误原样透传
func (r *Registry) Dispatch(ctx context.Context, key Key, args ...Payload) (*Result, error) {
	h, ok := r.handlers[key]
	if !ok {
		metrics.OperationDispatchTotal.WithLabelValues(string(key), "not_found").Inc()
		return nil, common.NewNotFoundError("unsupported or deprecated operation: %s", key)
	}

	var (
		res *Result
		err error
	)
	switch {
	case len(args) > 1:
		return nil, common.NewValidationError("operation %s accepts at most one argument, got %d", key, len(args))
	case h.noArg != nil:
		if len(args) != 0 {
			return nil, common.NewValidationError("operation %s takes no arguments", key)
		}
		res, err = h.noArg(ctx)
	default:
		if len(args) == 0 || args[0] == nil {
			return nil, common.NewValidationError("operation %s requires an argument", key)
		}
		res, err = h.withArg(ctx, args[0])
	}

	if err != nil {
		metrics.OperationDispatchTotal.WithLabelValues(string(key), "error").Inc()
		return nil, err
	}
	metrics.OperationDispatchTotal.WithLabelValues(string(key), "ok").Inc()
	return res, nil
}
