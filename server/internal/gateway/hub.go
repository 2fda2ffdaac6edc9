package gateway

import (
	"sync"

	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/model"
)

const defaultSubscriberBuffer = 64

// Subscription 一个会话事件订阅。
// 消费太慢导致缓冲写满时，Hub 会关闭 C 并移除订阅，客户端按最后的 seq 重连补发即可。
type Subscription struct {
	sessionID string
	ch        chan model.Event
	closed    bool
}

// C 事件通道
func (s *Subscription) C() <-chan model.Event { return s.ch }

// Hub 按会话把已落盘的事件扇出给所有订阅者，实现 orchestrator.Publisher
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    *logger.Logger
}

// NewHub 创建 Hub；buffer 为每个订阅者的缓冲大小，<=0 时使用默认值
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe 订阅会话事件
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{sessionID: sessionID, ch: make(chan model.Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

// Unsubscribe 取消订阅并关闭通道；可重复调用
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub)
}

// Publish 非阻塞地投递事件；调用方持有会话锁，这里不能等待慢消费者
func (h *Hub) Publish(sessionID string, evt model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- evt:
		default:
			h.log.Warn("[Hub] subscriber too slow, dropping", "session_id", sessionID, "seq", evt.Seq)
			h.remove(sub)
		}
	}
}

// Subscribers 当前会话的订阅数
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// remove 需持有 h.mu
func (h *Hub) remove(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	set := h.subs[sub.sessionID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
}
