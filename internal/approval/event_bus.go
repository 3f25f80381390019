package approval

import (
	"sync"
	"time"
)

// AllRequests 订阅全部请求的事件
const AllRequests uint64 = 0

// EventType 审批事件类型
type EventType string

const (
	EventSubmitted       EventType = "SUBMITTED"
	EventPending         EventType = "PENDING"
	EventDeclined        EventType = "DECLINED"
	EventExecuted        EventType = "EXECUTED"
	EventExecutionFailed EventType = "EXECUTION_FAILED"
)

// ApprovalEvent 描述审批状态变化
type ApprovalEvent struct {
	RequestID  uint64
	Module     string
	Type       EventType
	Status     Status
	Actor      string
	Reason     string
	OccurredAt time.Time
}

// EventBusConfig 控制事件总线行为
type EventBusConfig struct {
	BufferSize int
}

// ApprovalEventBus 简单本地事件总线
type ApprovalEventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]map[uint64]chan ApprovalEvent
	seq    uint64
	buffer int
}

// NewApprovalEventBus 创建事件总线
func NewApprovalEventBus(cfg *EventBusConfig) *ApprovalEventBus {
	buffer := 1
	if cfg != nil && cfg.BufferSize > 0 {
		buffer = cfg.BufferSize
	}
	return &ApprovalEventBus{
		subs:   make(map[uint64]map[uint64]chan ApprovalEvent),
		buffer: buffer,
	}
}

// Publish 发布事件，接收方处理慢时丢弃，不阻塞状态迁移
func (b *ApprovalEventBus) Publish(evt ApprovalEvent) {
	if b == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range []uint64{evt.RequestID, AllRequests} {
		for _, ch := range b.subs[topic] {
			select {
			case ch <- evt:
			default:
			}
		}
		if evt.RequestID == AllRequests {
			break
		}
	}
}

// Subscribe 订阅指定请求的事件；requestID 为 AllRequests 时订阅全部
func (b *ApprovalEventBus) Subscribe(requestID uint64) (<-chan ApprovalEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan ApprovalEvent, b.buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	if _, ok := b.subs[requestID]; !ok {
		b.subs[requestID] = make(map[uint64]chan ApprovalEvent)
	}
	b.subs[requestID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.removeListener(requestID, id) })
	}
	return ch, cancel
}

func (b *ApprovalEventBus) removeListener(requestID uint64, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if listeners, ok := b.subs[requestID]; ok {
		if ch, exists := listeners[id]; exists {
			delete(listeners, id)
			close(ch)
		}
		if len(listeners) == 0 {
			delete(b.subs, requestID)
		}
	}
}
