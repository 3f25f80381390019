package role

import (
	"slices"

	"makerchecker/internal/common"
)

// 角色管理的审批 activity 与制单权限
const (
	ActivityCreate = "create"
	ActivityEdit   = "edit"
	ActivityDelete = "delete"

	PermissionCreate = "role:create"
	PermissionEdit   = "role:edit"
	PermissionDelete = "role:delete"
)

// Role 后台角色
type Role struct {
	ID          uint64   `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string   `json:"name" gorm:"size:100;not null;index"`
	Description string   `json:"description" gorm:"type:text"`
	Permissions []string `json:"permissions" gorm:"serializer:json;type:text"`
	CreatedBy   string   `json:"createdBy" gorm:"size:100"`
	UpdatedBy   string   `json:"updatedBy,omitempty" gorm:"size:100"`

	common.TimestampModel
	common.SoftDeleteModel
}

// TableName 指定表名
func (Role) TableName() string {
	return "roles"
}

// RoleInput 新建或修改角色的提议内容
type RoleInput struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"omitempty,unique,dive,required"`
}

// UpdateProposal 修改角色的提议数据
type UpdateProposal struct {
	ID uint64 `json:"id"`
	RoleInput
}

// DeleteProposal 删除角色的提议数据
type DeleteProposal struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// Snapshot 变更前的角色状态，作为审批请求的 initialData
type Snapshot struct {
	ID          uint64   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

func snapshotOf(r *Role) Snapshot {
	return Snapshot{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: slices.Clone(r.Permissions),
	}
}

func validateInput(in RoleInput) error {
	if details := common.ValidateStruct(in); len(details) > 0 {
		return common.NewValidationError("invalid role").WithDetails(details...)
	}
	return nil
}
