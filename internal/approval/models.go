package approval

import (
	"time"

	"gorm.io/datatypes"

	"makerchecker/internal/common"
	"makerchecker/internal/operation"
)

// Status 审批请求状态
type Status string

const (
	StatusNotTreated Status = "NOT_TREATED" // 初始状态
	StatusPending    Status = "PENDING"     // 多级审批进行中
	StatusDeclined   Status = "DECLINED"    // 终态
	StatusExecuted   Status = "EXECUTED"    // 终态
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusDeclined || s == StatusExecuted
}

// Open 是否仍可接受决策
func (s Status) Open() bool {
	return s == StatusNotTreated || s == StatusPending
}

// FlowStatus 审批步骤状态
type FlowStatus string

const (
	FlowPending  FlowStatus = "pending"
	FlowApproved FlowStatus = "approved"
	FlowDeclined FlowStatus = "declined"
)

// ApprovalRequest 待双人复核的变更
type ApprovalRequest struct {
	ID uint64 `json:"id" gorm:"primaryKey;autoIncrement"`

	// 制单人
	RequesterName     string `json:"requesterName" gorm:"size:255"`
	RequesterUsername string `json:"requesterUsername" gorm:"size:100;not null;index"`
	RequesterEmail    string `json:"requesterEmail,omitempty" gorm:"size:255"`
	OrganizationID    string `json:"organizationId,omitempty" gorm:"size:100;index"`

	// 复核人（处理后才有值）
	ApprovalUsername *string `json:"approvalUsername,omitempty" gorm:"size:100"`

	Description  string         `json:"description" gorm:"type:text"`
	ProposedData datatypes.JSON `json:"proposedData"`
	InitialData  datatypes.JSON `json:"initialData,omitempty"`

	ApprovalRequestType operation.Key `json:"approvalRequestType" gorm:"size:100;not null;index"`
	Module              string        `json:"module" gorm:"size:100;not null;index"`
	Activity            string        `json:"activity" gorm:"size:100;not null"`
	Permission          string        `json:"permission" gorm:"size:100;not null;index"`
	AmountInMinor       *int64        `json:"amountInMinor,omitempty"`

	Status            Status `json:"status" gorm:"size:20;not null;index;default:NOT_TREATED"`
	NextApprovalIndex int    `json:"nextApprovalIndex" gorm:"not null;default:0"`
	Approved          bool   `json:"approved" gorm:"not null;default:false"`
	RequiresWorkFlow  bool   `json:"requiresWorkFlow" gorm:"not null;default:false"`

	// 提交时解析出的策略快照，规则后续修改不影响已提交请求
	RuleID uint64 `json:"ruleId" gorm:"index"`
	Policy Policy `json:"policy" gorm:"type:text;serializer:json"`

	// 执行结果
	ExecutedAt        *time.Time `json:"executedAt,omitempty"`
	ExecutionAttempts int        `json:"executionAttempts" gorm:"not null;default:0"`
	ErrorTrace        string     `json:"errorTrace,omitempty" gorm:"type:text"`

	// 执行认领时间，防止重试与重复投递并发执行同一变更
	ExecutionClaimedAt *time.Time `json:"-"`

	// 乐观锁版本号，所有状态迁移都以 id + version 为条件
	Version int64 `json:"-" gorm:"not null;default:0"`

	CreatedAt    time.Time  `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt    time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	ApprovedDate *time.Time `json:"approvedDate,omitempty"`

	// 审批链，按 Position 排序；不由 GORM 关联管理
	Flows []ApprovalFlow `json:"flows,omitempty" gorm:"-"`
}

// TableName 指定表名
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// ChainLength 审批链长度：单级为 1，多级为步骤数
func (r *ApprovalRequest) ChainLength() int {
	if r.RequiresWorkFlow {
		return len(r.Flows)
	}
	return 1
}

// ExecutionFailed 审批已完成但变更执行失败
func (r *ApprovalRequest) ExecutionFailed() bool {
	return r.Status == StatusExecuted && r.ExecutedAt == nil && r.ErrorTrace != ""
}

// AwaitingExecution 审批已完成、变更未成功，且没有仍在有效期内的执行认领
// 覆盖执行失败、任务丢失、worker 认领后退出三种情况
func (r *ApprovalRequest) AwaitingExecution(now time.Time, claimTTL time.Duration) bool {
	if r.Status != StatusExecuted || r.ExecutedAt != nil {
		return false
	}
	return r.ExecutionClaimedAt == nil || now.Sub(*r.ExecutionClaimedAt) >= claimTTL
}

// ApprovalFlow 多级审批链中的一个步骤
type ApprovalFlow struct {
	ID                uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ApprovalRequestID uint64     `json:"approvalRequestId" gorm:"not null;uniqueIndex:idx_flow_request_position"`
	Position          int        `json:"position" gorm:"not null;uniqueIndex:idx_flow_request_position"`
	ApproverUsername  string     `json:"approverUsername,omitempty" gorm:"size:100"`
	ApproverRole      string     `json:"approverRole,omitempty" gorm:"size:100"`
	OrganizationID    string     `json:"organizationId,omitempty" gorm:"size:100"`
	RoleBasedApproval bool       `json:"roleBasedApproval" gorm:"not null;default:false"`
	Status            FlowStatus `json:"status" gorm:"size:20;not null;default:pending"`
	Reason            string     `json:"reason,omitempty" gorm:"type:text"`
	ActedBy           string     `json:"actedBy,omitempty" gorm:"size:100"`
	ActedAt           *time.Time `json:"actedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (ApprovalFlow) TableName() string {
	return "approval_flows"
}

// ApprovalRule (activity, module) 上的审批策略；一个阈值档位一行
type ApprovalRule struct {
	ID                            uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Activity                      string     `json:"activity" gorm:"size:100;not null;index:idx_rule_slot"`
	Module                        string     `json:"module" gorm:"size:100;not null;index:idx_rule_slot"`
	Global                        bool       `json:"global" gorm:"not null;default:false;index:idx_rule_slot"`
	SupportThresholdConfiguration bool       `json:"supportThresholdConfiguration" gorm:"not null;default:false"`
	Body                          PolicyBody `json:"policy" gorm:"type:text;serializer:json"`
	CreatedBy                     string     `json:"createdBy" gorm:"size:100"`

	common.TimestampModel
	common.SoftDeleteModel
}

// TableName 指定表名
func (ApprovalRule) TableName() string {
	return "approval_rules"
}

// Models 需要迁移的表
func Models() []any {
	return []any{&ApprovalRequest{}, &ApprovalFlow{}, &ApprovalRule{}}
}
