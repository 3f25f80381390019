package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog 审计日志，只追加不修改
type AuditLog struct {
	ID         string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Resource   Resource       `gorm:"type:varchar(50);not null;index:idx_audit_resource" json:"resource"`
	ResourceID uint64         `gorm:"not null;index:idx_audit_resource" json:"resourceId"`
	Action     Action         `gorm:"type:varchar(50);not null;index" json:"action"`
	Role       string         `gorm:"type:varchar(100)" json:"role"`
	Username   string         `gorm:"type:varchar(100);not null;index" json:"username"`
	Email      string         `gorm:"type:varchar(255)" json:"email"`
	Before     datatypes.JSON `json:"before,omitempty"`
	After      datatypes.JSON `json:"after,omitempty"`
	Reason     string         `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"createdAt"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

// TableName 指定表名
func (AuditLog) TableName() string {
	return "audit_logs"
}
