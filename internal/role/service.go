package role

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"makerchecker/internal/common"
	"makerchecker/internal/logger"
	"makerchecker/internal/operation"
)

// Service 角色存储与审批通过后的变更
//
// 变更方法只由审批链完成后的调度调用，HTTP 层不会直接写入角色。
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService 创建角色服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, logger: logger.Get()}
}

// Get 读取未删除的角色
func (s *Service) Get(ctx context.Context, id uint64) (*Role, error) {
	return s.load(ctx, s.db, id)
}

// List 列出未删除的角色
func (s *Service) List(ctx context.Context) ([]Role, error) {
	var roles []Role
	err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted()).
		Order("name ASC").
		Find(&roles).Error
	if err != nil {
		return nil, fmt.Errorf("查询角色列表失败: %w", err)
	}
	return roles, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, id uint64) (*Role, error) {
	var r Role
	err := tx.WithContext(ctx).
		Scopes(common.NotDeleted()).
		Where("id = ?", id).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFoundError("role %d not found", id)
		}
		return nil, fmt.Errorf("查询角色失败: %w", err)
	}
	return &r, nil
}

func (s *Service) ensureNameFree(ctx context.Context, tx *gorm.DB, name string, selfID uint64) error {
	var count int64
	q := tx.WithContext(ctx).Model(&Role{}).
		Scopes(common.NotDeleted()).
		Where("name = ?", name)
	if selfID != 0 {
		q = q.Where("id <> ?", selfID)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("检查角色名称失败: %w", err)
	}
	if count > 0 {
		return common.NewConflictError("role %q already exists", name)
	}
	return nil
}

// ApplyCreate 执行已通过审批的新建角色
func (s *Service) ApplyCreate(ctx context.Context, exec *operation.Execution) (*operation.Result, error) {
	var in RoleInput
	if err := exec.Decode(&in); err != nil {
		return nil, common.NewValidationError("invalid role payload: %v", err)
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	role := &Role{
		Name:        in.Name,
		Description: in.Description,
		Permissions: slices.Clone(in.Permissions),
		CreatedBy:   exec.Requester,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureNameFree(ctx, tx, in.Name, 0); err != nil {
			return err
		}
		if err := tx.Create(role).Error; err != nil {
			return fmt.Errorf("创建角色失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("角色已创建",
		zap.Uint64("roleId", role.ID),
		zap.String("name", role.Name),
		zap.Uint64("requestId", exec.RequestID),
	)
	return &operation.Result{RequestID: exec.RequestID, Message: "role created", Data: role}, nil
}

// ApplyUpdate 执行已通过审批的角色修改
func (s *Service) ApplyUpdate(ctx context.Context, exec *operation.Execution) (*operation.Result, error) {
	var in UpdateProposal
	if err := exec.Decode(&in); err != nil {
		return nil, common.NewValidationError("invalid role payload: %v", err)
	}
	if err := validateInput(in.RoleInput); err != nil {
		return nil, err
	}

	var role *Role
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		role, err = s.load(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if err := s.ensureNameFree(ctx, tx, in.Name, role.ID); err != nil {
			return err
		}
		role.Name = in.Name
		role.Description = in.Description
		role.Permissions = slices.Clone(in.Permissions)
		role.UpdatedBy = exec.Requester
		if err := tx.Model(role).Select("name", "description", "permissions", "updated_by").Updates(role).Error; err != nil {
			return fmt.Errorf("更新角色失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("角色已更新", zap.Uint64("roleId", role.ID), zap.Uint64("requestId", exec.RequestID))
	return &operation.Result{RequestID: exec.RequestID, Message: "role updated", Data: role}, nil
}

// ApplyDelete 执行已通过审批的角色删除（软删除）
func (s *Service) ApplyDelete(ctx context.Context, exec *operation.Execution) (*operation.Result, error) {
	var in DeleteProposal
	if err := exec.Decode(&in); err != nil {
		return nil, common.NewValidationError("invalid role payload: %v", err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		role, err := s.load(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(role).Updates(map[string]any{
			"deleted_at": now,
			"deleted_by": exec.Requester,
		}).Error; err != nil {
			return fmt.Errorf("删除角色失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("角色已删除", zap.Uint64("roleId", in.ID), zap.Uint64("requestId", exec.RequestID))
	return &operation.Result{RequestID: exec.RequestID, Message: "role deleted"}, nil
}
