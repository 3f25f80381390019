package common

import "time"

// SoftDeleteModel 软删除基础模型
// 被软删除的记录对查询不可见，但保留历史
type SoftDeleteModel struct {
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
	DeletedBy string     `json:"deletedBy,omitempty" gorm:"size:100"`
}

// IsDeleted 检查记录是否已被软删除
func (m *SoftDeleteModel) IsDeleted() bool {
	return m.DeletedAt != nil
}

// TimestampModel 时间戳基础模型
type TimestampModel struct {
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}
