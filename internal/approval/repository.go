package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"makerchecker/internal/common"
)

// ListFilter 审批请求分页查询条件
type ListFilter struct {
	common.PaginationRequest
	Permissions []string          `form:"permission"`
	Statuses    []Status          `form:"status"`
	Module      string            `form:"module"`
	Requester   string            `form:"requester"`
	TypeLike    string            `form:"type"`
	CreatedIn   *common.DateRange `form:"-"`
}

// Repository 审批请求、审批步骤和规则的持久化
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB 返回底层连接
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// CreateRequest 在事务内写入请求及其审批步骤
func (r *Repository) CreateRequest(ctx context.Context, tx *gorm.DB, req *ApprovalRequest) error {
	if err := tx.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("创建审批请求失败: %w", err)
	}
	for i := range req.Flows {
		req.Flows[i].ApprovalRequestID = req.ID
		req.Flows[i].Position = i
	}
	if len(req.Flows) > 0 {
		if err := tx.WithContext(ctx).Create(&req.Flows).Error; err != nil {
			return fmt.Errorf("创建审批步骤失败: %w", err)
		}
	}
	return nil
}

// LoadRequest 读取请求及其有序审批步骤；tx 为 nil 时使用自身连接
func (r *Repository) LoadRequest(ctx context.Context, tx *gorm.DB, id uint64) (*ApprovalRequest, error) {
	if tx == nil {
		tx = r.db
	}
	var req ApprovalRequest
	if err := tx.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFoundError("approval request %d not found", id)
		}
		return nil, fmt.Errorf("读取审批请求失败: %w", err)
	}
	if err := tx.WithContext(ctx).
		Where("approval_request_id = ?", id).
		Order("position ASC").
		Find(&req.Flows).Error; err != nil {
		return nil, fmt.Errorf("读取审批步骤失败: %w", err)
	}
	return &req, nil
}

// CompareAndSwap 以 id + version 为条件更新请求并递增版本号
// 版本号不匹配时返回 InvalidStateError，调用方不会覆盖并发写入
func (r *Repository) CompareAndSwap(ctx context.Context, tx *gorm.DB, req *ApprovalRequest, updates map[string]any) error {
	updates["version"] = req.Version + 1
	result := tx.WithContext(ctx).Model(&ApprovalRequest{}).
		Where("id = ? AND version = ?", req.ID, req.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("更新审批请求失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return common.NewInvalidStateError("approval request %d was modified concurrently", req.ID)
	}
	req.Version++
	return nil
}

// CloseFlow 将待处理步骤标记为已通过或已拒绝，条件更新保证同一步骤只被处理一次
func (r *Repository) CloseFlow(ctx context.Context, tx *gorm.DB, flow *ApprovalFlow) error {
	result := tx.WithContext(ctx).Model(&ApprovalFlow{}).
		Where("id = ? AND status = ?", flow.ID, FlowPending).
		Updates(map[string]any{
			"status":   flow.Status,
			"reason":   flow.Reason,
			"acted_by": flow.ActedBy,
			"acted_at": flow.ActedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("更新审批步骤失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return common.NewInvalidStateError("approval step %d already treated", flow.Position)
	}
	return nil
}

// ListRequests 分页查询审批请求
func (r *Repository) ListRequests(ctx context.Context, f ListFilter) ([]ApprovalRequest, int64, error) {
	query := r.db.WithContext(ctx).Model(&ApprovalRequest{}).
		Scopes(requestFilter(f), common.CreatedBetween(f.CreatedIn)).
		Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审批请求失败: %w", err)
	}

	var items []ApprovalRequest
	if err := query.Scopes(common.Paginate(f.PaginationRequest)).
		Order("created_at DESC").Order("id DESC").
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return items, total, nil
}

// CountOpen 按模块统计未终结请求
func (r *Repository) CountOpen(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Module string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&ApprovalRequest{}).
		Select("module, COUNT(*) AS total").
		Where("status IN ?", []Status{StatusNotTreated, StatusPending}).
		Group("module").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计待审批请求失败: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Module] = row.Total
	}
	return out, nil
}

func requestFilter(f ListFilter) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(f.Permissions) > 0 {
			db = db.Where("permission IN ?", f.Permissions)
		}
		if len(f.Statuses) > 0 {
			db = db.Where("status IN ?", f.Statuses)
		}
		if f.Module != "" {
			db = db.Where("module = ?", f.Module)
		}
		if f.Requester != "" {
			db = db.Where("requester_username = ?", f.Requester)
		}
		if t := strings.TrimSpace(f.TypeLike); t != "" {
			db = db.Where("LOWER(approval_request_type) LIKE ?", "%"+strings.ToLower(t)+"%")
		}
		return db
	}
}

// ---------------------------------------------------------------------------
// 规则
// ---------------------------------------------------------------------------

// LockRuleSlot 在事务内串行化同一槽位的规则写入，须在 ActiveRulesInSlot 之前调用
// Postgres 上用事务级 advisory lock，空槽位也能锁住；SQLite 写事务本身互斥
func (r *Repository) LockRuleSlot(ctx context.Context, tx *gorm.DB, activity, module string, global bool) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", ruleSlotKey(activity, module, global)).Error; err != nil {
		return fmt.Errorf("锁定审批规则槽位失败: %w", err)
	}
	return nil
}

func ruleSlotKey(activity, module string, global bool) string {
	return fmt.Sprintf("approval_rule:%s:%s:%t", strings.ToLower(activity), strings.ToUpper(module), global)
}

// ActiveRulesInSlot 读取某个优先级槽位上的有效规则，按创建顺序返回
// 在事务内调用时对读到的行加 FOR UPDATE，防止并发更新同槽位规则时绕过重叠校验
func (r *Repository) ActiveRulesInSlot(ctx context.Context, tx *gorm.DB, activity, module string, global bool) ([]ApprovalRule, error) {
	query := r.db
	if tx != nil {
		query = tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	var rules []ApprovalRule
	err := query.WithContext(ctx).
		Scopes(common.NotDeleted()).
		Where("activity = ? AND module = ? AND global = ?", activity, module, global).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("读取审批规则失败: %w", err)
	}
	return rules, nil
}

// LoadRule 按 ID 读取规则（含已停用）
func (r *Repository) LoadRule(ctx context.Context, tx *gorm.DB, id uint64) (*ApprovalRule, error) {
	if tx == nil {
		tx = r.db
	}
	var rule ApprovalRule
	if err := tx.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFoundError("approval rule %d not found", id)
		}
		return nil, fmt.Errorf("读取审批规则失败: %w", err)
	}
	return &rule, nil
}

// RuleFilter 规则查询条件
type RuleFilter struct {
	Module          string `form:"module"`
	Activity        string `form:"activity"`
	IncludeDisabled bool   `form:"includeDisabled"`
}

// ListRules 列出规则
func (r *Repository) ListRules(ctx context.Context, f RuleFilter) ([]ApprovalRule, error) {
	query := r.db.WithContext(ctx).Model(&ApprovalRule{})
	if !f.IncludeDisabled {
		query = query.Scopes(common.NotDeleted())
	}
	if f.Module != "" {
		query = query.Where("module = ?", f.Module)
	}
	if f.Activity != "" {
		query = query.Where("activity = ?", f.Activity)
	}
	var rules []ApprovalRule
	if err := query.Order("module ASC, activity ASC, id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("查询审批规则失败: %w", err)
	}
	return rules, nil
}
