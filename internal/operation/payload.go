package operation

import (
	"encoding/json"

	"makerchecker/internal/identity"
)

// Payload 处理器参数的封闭联合类型，只有本包定义的变体可以实现
type Payload interface {
	payloadKind() string
}

// DecisionType 复核人决策
type DecisionType string

const (
	DecisionApproved DecisionType = "APPROVED"
	DecisionDeclined DecisionType = "DECLINED"
)

// Valid 是否为已知决策
func (d DecisionType) Valid() bool {
	return d == DecisionApproved || d == DecisionDeclined
}

// Decision 复核人对某个审批请求的决策
type Decision struct {
	RequestID uint64
	Decision  DecisionType
	Reason    string
	Actor     identity.Actor
}

func (*Decision) payloadKind() string { return "decision" }

// Execution 审批链完成后执行真实变更所需的数据
type Execution struct {
	RequestID    uint64
	Key          Key
	ProposedData json.RawMessage
	InitialData  json.RawMessage
	Requester    string
	Actor        identity.Actor
}

func (*Execution) payloadKind() string { return "execution" }

// Decode 将提议数据解码到目标结构
func (e *Execution) Decode(v any) error {
	return json.Unmarshal(e.ProposedData, v)
}

// Result 处理器返回结果，调度器原样透传
type Result struct {
	RequestID uint64 `json:"requestId,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}
