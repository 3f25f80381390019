package role

import (
	"context"

	"makerchecker/internal/approval"
	"makerchecker/internal/common"
	"makerchecker/internal/identity"
	"makerchecker/internal/makerchecker"
	"makerchecker/internal/operation"
)

// Register 注册角色模块的受保护操作与拒绝操作
func Register(b *operation.Builder, m *approval.Manager, s *Service) error {
	ops := []struct {
		key     operation.Key
		handler operation.Handler
	}{
		{operation.KeyCreateRole, approval.Guarded(m, s.ApplyCreate)},
		{operation.KeyUpdateRole, approval.Guarded(m, s.ApplyUpdate)},
		{operation.KeyDeleteRole, approval.Guarded(m, s.ApplyDelete)},
		{operation.KeyDeclineRoleRequest, approval.DeclineHandler(m)},
	}
	for _, op := range ops {
		if err := b.Register(op.key, op.handler); err != nil {
			return err
		}
	}
	return nil
}

// Submitter 提交双人复核请求
type Submitter interface {
	Submit(ctx context.Context, actor identity.Actor, p makerchecker.Proposal) (*makerchecker.Submission, error)
}

// Requests 角色变更提议入口，所有写操作都以审批请求的形式提交
type Requests struct {
	roles     *Service
	submitter Submitter
}

// NewRequests 创建提议入口
func NewRequests(roles *Service, submitter Submitter) *Requests {
	return &Requests{roles: roles, submitter: submitter}
}

// ProposeCreate 提议新建角色
func (r *Requests) ProposeCreate(ctx context.Context, actor identity.Actor, in RoleInput) (*makerchecker.Submission, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	return r.submitter.Submit(ctx, actor, makerchecker.Proposal{
		Operation:   operation.KeyCreateRole,
		Module:      operation.ModuleRole,
		Activity:    ActivityCreate,
		Permission:  PermissionCreate,
		Description: "create role " + in.Name,
		Proposed:    in,
	})
}

// ProposeUpdate 提议修改角色，initialData 为角色当前状态
func (r *Requests) ProposeUpdate(ctx context.Context, actor identity.Actor, id uint64, in RoleInput) (*makerchecker.Submission, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	current, err := r.roles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.submitter.Submit(ctx, actor, makerchecker.Proposal{
		Operation:   operation.KeyUpdateRole,
		Module:      operation.ModuleRole,
		Activity:    ActivityEdit,
		Permission:  PermissionEdit,
		Description: "edit role " + current.Name,
		Proposed:    UpdateProposal{ID: id, RoleInput: in},
		Initial:     snapshotOf(current),
	})
}

// ProposeDelete 提议删除角色
func (r *Requests) ProposeDelete(ctx context.Context, actor identity.Actor, id uint64) (*makerchecker.Submission, error) {
	if id == 0 {
		return nil, common.NewValidationError("role id is required")
	}
	current, err := r.roles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.submitter.Submit(ctx, actor, makerchecker.Proposal{
		Operation:   operation.KeyDeleteRole,
		Module:      operation.ModuleRole,
		Activity:    ActivityDelete,
		Permission:  PermissionDelete,
		Description: "delete role " + current.Name,
		Proposed:    DeleteProposal{ID: id, Name: current.Name},
		Initial:     snapshotOf(current),
	})
}
