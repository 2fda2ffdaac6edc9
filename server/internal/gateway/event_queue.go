package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"edu-vision/server/internal/logger"
)

// EventHandler 处理一条客户端消息；返回 error 表示处理失败，队列记录后继续运行
type EventHandler func(ctx context.Context, msg *ClientMessage) error

var (
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("event queue closed")
	// ErrQueueFull 队列已满，消息被丢弃
	ErrQueueFull = errors.New("event queue full")
)

// EventQueue 为单个连接提供串行的消息处理
// 同一连接上的 submit / reset / update_settings 按到达顺序执行，读循环不被长请求阻塞。
type EventQueue struct {
	sessionID    string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	timeout      time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	log          *logger.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64
}

type queuedEvent struct {
	msg       *ClientMessage
	timestamp time.Time
}

// QueueConfig 队列参数；零值使用默认值
type QueueConfig struct {
	Capacity int
	// Timeout 单条消息的处理上限，需要覆盖视频生成的整个轮询周期
	Timeout time.Duration
}

const (
	defaultQueueCapacity = 16
	defaultEventTimeout  = 10 * time.Minute
	slowEventThreshold   = 30 * time.Second
)

// NewEventQueue 创建事件队列并启动处理协程
func NewEventQueue(sessionID string, handler EventHandler, cfg QueueConfig, log *logger.Logger) *EventQueue {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultQueueCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultEventTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	eq := &EventQueue{
		sessionID:    sessionID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, cfg.Capacity),
		timeout:      cfg.Timeout,
		ctx:          ctx,
		cancel:       cancel,
		log:          log.With("session_id", sessionID),
	}

	eq.wg.Add(1)
	go eq.processLoop()

	eq.log.Debug("[EventQueue] created", "capacity", cfg.Capacity)
	return eq
}

// Enqueue 将消息加入队列（非阻塞）；队列满时丢弃并返回 ErrQueueFull
func (eq *EventQueue) Enqueue(msg *ClientMessage) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	event := &queuedEvent{msg: msg, timestamp: time.Now()}

	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		eq.log.Debug("[EventQueue] enqueued", "type", msg.Type, "queue_size", len(eq.eventChan))
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.log.Warn("[EventQueue] queue full, dropping message", "type", msg.Type)
		return ErrQueueFull
	}
}

// processLoop 串行处理（单协程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case event := <-eq.eventChan:
			eq.processEvent(event)
		}
	}
}

func (eq *EventQueue) processEvent(event *queuedEvent) {
	start := time.Now()
	queueLatency := start.Sub(event.timestamp)

	ctx, cancel := context.WithTimeout(eq.ctx, eq.timeout)
	defer cancel()

	err := eq.eventHandler(ctx, event.msg)
	elapsed := time.Since(start)

	if err != nil {
		eq.log.Warn("[EventQueue] message failed", "type", event.msg.Type, "error", err, "elapsed", elapsed)
	} else {
		eq.log.Debug("[EventQueue] message processed", "type", event.msg.Type, "queue_latency", queueLatency, "elapsed", elapsed)
	}

	eq.mu.Lock()
	eq.processedEvents++
	eq.mu.Unlock()

	if elapsed > slowEventThreshold {
		eq.log.Info("[EventQueue] slow message", "type", event.msg.Type, "elapsed", elapsed)
	}
}

// Close 取消在途处理并等待处理协程退出；可重复调用
func (eq *EventQueue) Close() error {
	eq.cancel()
	eq.wg.Wait()

	stats := eq.Stats()
	eq.log.Debug("[EventQueue] closed",
		"total", stats.Total, "processed", stats.Processed, "dropped", stats.Dropped, "pending", stats.Pending)
	return nil
}

// QueueStats 队列统计信息
type QueueStats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
}

// Stats 获取队列统计信息
func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return QueueStats{
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Dropped:   eq.droppedEvents,
		Pending:   len(eq.eventChan),
		Capacity:  cap(eq.eventChan),
	}
}
