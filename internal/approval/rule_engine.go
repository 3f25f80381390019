package approval

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"makerchecker/internal/audit"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/logger"
	"makerchecker/internal/metrics"
)

// ResolveInput 规则解析参数
type ResolveInput struct {
	Activity string `json:"activity" binding:"required"`
	Module   string `json:"module" binding:"required"`
	// Global 为空时依次检查全部三个槽位；true 只看全局规则；false 跳过精确全局规则
	Global        *bool  `json:"global,omitempty"`
	AmountInMinor *int64 `json:"amountInMinor,omitempty"`
}

type ruleSlot struct {
	activity string
	global   bool
}

// slots 按优先级返回候选槽位：(1) activity+module+global (2) activity+module 非全局 (3) 模块级全局默认
func (in ResolveInput) slots() []ruleSlot {
	exactGlobal := ruleSlot{activity: in.Activity, global: true}
	exactLocal := ruleSlot{activity: in.Activity, global: false}
	moduleWide := ruleSlot{activity: ModuleWideActivity, global: true}

	var out []ruleSlot
	switch {
	case in.Global == nil:
		out = []ruleSlot{exactGlobal, exactLocal, moduleWide}
	case *in.Global:
		out = []ruleSlot{exactGlobal, moduleWide}
	default:
		out = []ruleSlot{exactLocal, moduleWide}
	}
	if in.Activity == ModuleWideActivity {
		return []ruleSlot{moduleWide}
	}
	return out
}

// RuleInput 创建或更新规则的参数
type RuleInput struct {
	Activity                      string     `json:"activity" binding:"required"`
	Module                        string     `json:"module" binding:"required"`
	Global                        bool       `json:"global"`
	SupportThresholdConfiguration bool       `json:"supportThresholdConfiguration"`
	Policy                        PolicyBody `json:"policy"`
}

// RuleEngine 审批规则解析与管理
type RuleEngine struct {
	repo     *Repository
	recorder *audit.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRuleEngine 创建规则引擎
func NewRuleEngine(repo *Repository, recorder *audit.Recorder) *RuleEngine {
	return &RuleEngine{
		repo:     repo,
		recorder: recorder,
		logger:   logger.Get(),
		tracer:   otel.Tracer("makerchecker/internal/approval"),
	}
}

// Resolve 选出唯一适用的审批策略
//
// 槽位按固定优先级检查，首个存在有效规则的槽位胜出。若该槽位支持阈值配置，
// 再按金额落入的闭区间档位收窄；金额落在档位空隙中时直接失败，不回落到下一个槽位。
func (e *RuleEngine) Resolve(ctx context.Context, in ResolveInput) (Policy, error) {
	ctx, span := e.tracer.Start(ctx, "RuleEngine.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("approval.activity", in.Activity),
		attribute.String("approval.module", in.Module),
	)

	policy, err := e.resolve(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RuleResolutionsTotal.WithLabelValues(in.Module, "error").Inc()
		return Policy{}, err
	}
	span.SetAttributes(attribute.Int64("approval.rule_id", int64(policy.RuleID)))
	metrics.RuleResolutionsTotal.WithLabelValues(in.Module, "ok").Inc()
	return policy, nil
}

func (e *RuleEngine) resolve(ctx context.Context, in ResolveInput) (Policy, error) {
	if in.Activity == "" || in.Module == "" {
		return Policy{}, common.NewValidationError("activity and module are required")
	}

	for _, slot := range in.slots() {
		rules, err := e.repo.ActiveRulesInSlot(ctx, nil, slot.activity, in.Module, slot.global)
		if err != nil {
			return Policy{}, err
		}
		if len(rules) == 0 {
			continue
		}

		if !rules[0].SupportThresholdConfiguration {
			return PolicyFromRule(&rules[0]), nil
		}
		if in.AmountInMinor == nil {
			return Policy{}, common.NewValidationError(
				"amount is required: rule for %s/%s uses threshold configuration", slot.activity, in.Module)
		}
		for i := range rules {
			if rules[i].Body.Contains(*in.AmountInMinor) {
				return PolicyFromRule(&rules[i]), nil
			}
		}
		return Policy{}, common.NewConfigurationError(
			"no approval tier configured for amount %d in %s/%s", *in.AmountInMinor, slot.activity, in.Module)
	}

	return Policy{}, common.NewConfigurationError(
		"no approval rule configured for activity %q in module %q", in.Activity, in.Module)
}

// CreateRule 创建规则
func (e *RuleEngine) CreateRule(ctx context.Context, actor identity.Actor, in RuleInput) (*ApprovalRule, error) {
	rule := &ApprovalRule{
		Activity:                      in.Activity,
		Module:                        in.Module,
		Global:                        in.Global,
		SupportThresholdConfiguration: in.SupportThresholdConfiguration,
		Body:                          in.Policy,
		CreatedBy:                     actor.Username,
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	err := e.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.checkSlot(ctx, tx, rule, 0); err != nil {
			return err
		}
		if err := tx.Create(rule).Error; err != nil {
			return err
		}
		return e.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRule,
			ResourceID: rule.ID,
			Action:     audit.ActionRuleCreated,
			Actor:      actor,
			After:      rule,
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("审批规则已创建",
		zap.Uint64("ruleId", rule.ID),
		zap.String("module", rule.Module),
		zap.String("activity", rule.Activity),
		zap.Bool("global", rule.Global),
		zap.String("actor", actor.Username),
	)
	return rule, nil
}

// UpdateRule 更新规则；已提交的审批请求持有策略快照，不受影响
func (e *RuleEngine) UpdateRule(ctx context.Context, actor identity.Actor, id uint64, in RuleInput) (*ApprovalRule, error) {
	var updated *ApprovalRule
	err := e.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.repo.LoadRule(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.IsDeleted() {
			return common.NewInvalidStateError("approval rule %d is disabled", id)
		}

		before := *current
		next := *current
		next.Activity = in.Activity
		next.Module = in.Module
		next.Global = in.Global
		next.SupportThresholdConfiguration = in.SupportThresholdConfiguration
		next.Body = in.Policy
		if err := ValidateRule(&next); err != nil {
			return err
		}
		if err := e.checkSlot(ctx, tx, &next, id); err != nil {
			return err
		}

		// 结构体更新才会经过 serializer，Select 保证 false/0 也被写入
		if err := tx.Model(&next).
			Select("activity", "module", "global", "support_threshold_configuration", "body", "updated_at").
			Updates(&next).Error; err != nil {
			return err
		}
		if err := e.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRule,
			ResourceID: id,
			Action:     audit.ActionRuleUpdated,
			Actor:      actor,
			Before:     before,
			After:      next,
		}); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DisableRule 软删除规则
func (e *RuleEngine) DisableRule(ctx context.Context, actor identity.Actor, id uint64) error {
	return e.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.repo.LoadRule(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.IsDeleted() {
			return common.NewInvalidStateError("approval rule %d is already disabled", id)
		}
		now := time.Now().UTC()
		if err := tx.Model(&ApprovalRule{}).Where("id = ? AND deleted_at IS NULL", id).Updates(map[string]any{
			"deleted_at": now,
			"deleted_by": actor.Username,
		}).Error; err != nil {
			return err
		}
		return e.recorder.Record(ctx, tx, audit.Entry{
			Resource:   audit.ResourceApprovalRule,
			ResourceID: id,
			Action:     audit.ActionRuleDisabled,
			Actor:      actor,
			Before:     current,
		})
	})
}

// GetRule 读取规则
func (e *RuleEngine) GetRule(ctx context.Context, id uint64) (*ApprovalRule, error) {
	return e.repo.LoadRule(ctx, nil, id)
}

// ListRules 列出规则
func (e *RuleEngine) ListRules(ctx context.Context, f RuleFilter) ([]ApprovalRule, error) {
	return e.repo.ListRules(ctx, f)
}

// checkSlot 同一槽位内：非阈值规则最多一条有效；阈值规则档位不得重叠，且不能与非阈值规则混用
func (e *RuleEngine) checkSlot(ctx context.Context, tx *gorm.DB, rule *ApprovalRule, selfID uint64) error {
	if err := e.repo.LockRuleSlot(ctx, tx, rule.Activity, rule.Module, rule.Global); err != nil {
		return err
	}
	existing, err := e.repo.ActiveRulesInSlot(ctx, tx, rule.Activity, rule.Module, rule.Global)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == selfID {
			continue
		}
		if !rule.SupportThresholdConfiguration || !other.SupportThresholdConfiguration {
			return common.NewConflictError(
				"an active rule already exists for activity %q module %q global=%t (rule %d)",
				rule.Activity, rule.Module, rule.Global, other.ID)
		}
		if rule.Body.Overlaps(other.Body) {
			return common.NewConflictError(
				"threshold tier [%d, %d] overlaps rule %d [%d, %d]",
				*rule.Body.LowerBoundInMinor, *rule.Body.UpperBoundInMinor,
				other.ID, *other.Body.LowerBoundInMinor, *other.Body.UpperBoundInMinor)
		}
	}
	return nil
}
