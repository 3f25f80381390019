package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"makerchecker/internal/identity"
)

// Entry 一次审计写入
type Entry struct {
	Resource   Resource
	ResourceID uint64
	Action     Action
	Actor      identity.Actor
	Before     any
	After      any
	Reason     string
}

// Recorder 审计记录器
//
// Record 接收调用方的事务句柄，状态变更与审计写入在同一事务内提交或回滚。
type Recorder struct {
	db *gorm.DB
}

// NewRecorder 创建审计记录器
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record 在给定事务内写入审计日志；tx 为 nil 时使用自身连接
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, e Entry) error {
	if tx == nil {
		tx = r.db
	}
	before, err := snapshot(e.Before)
	if err != nil {
		return fmt.Errorf("序列化审计前状态失败: %w", err)
	}
	after, err := snapshot(e.After)
	if err != nil {
		return fmt.Errorf("序列化审计后状态失败: %w", err)
	}

	entry := &AuditLog{
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Action:     e.Action,
		Role:       e.Actor.PrimaryRole(),
		Username:   e.Actor.Username,
		Email:      e.Actor.Email,
		Before:     before,
		After:      after,
		Reason:     e.Reason,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}
	return nil
}

// Trail 返回某个对象的审计轨迹，按时间正序
func (r *Recorder) Trail(ctx context.Context, resource Resource, resourceID uint64) ([]AuditLog, error) {
	var logs []AuditLog
	err := r.db.WithContext(ctx).
		Where("resource = ? AND resource_id = ?", resource, resourceID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("查询审计日志失败: %w", err)
	}
	return logs, nil
}

func snapshot(v any) (datatypes.JSON, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return s, nil
	case json.RawMessage:
		return datatypes.JSON(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
