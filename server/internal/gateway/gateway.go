package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/orchestrator"
)

// ErrSlowConsumer 客户端跟不上事件速度，订阅被 Hub 移除
var ErrSlowConsumer = errors.New("subscriber dropped: too slow")

// Sessions 网关用到的会话操作，由 orchestrator.Orchestrator 实现
type Sessions interface {
	Events(ctx context.Context, id string, after int64) ([]model.Event, error)
	Submit(ctx context.Context, id string, in orchestrator.Turn) (*orchestrator.TurnResult, error)
	UpdateSettings(ctx context.Context, id string, settings model.UserSettings) (*model.SessionState, error)
	Reset(ctx context.Context, id string) (*model.SessionState, error)
}

var _ Sessions = (*orchestrator.Orchestrator)(nil)

// Config 网关配置
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Queue        QueueConfig
}

// Gateway 是一条会话事件流连接
// 职责：
// 1. 先补发 seq 之后的时间线事件，再转发实时事件（按 seq 去重，保证不丢不重）
// 2. 读取客户端消息，经 EventQueue 串行交给会话操作
// 3. 心跳与关闭
type Gateway struct {
	sessionID string
	sessions  Sessions
	hub       *Hub

	// clientConn 创建后不再替换；写操作与关闭由 clientConnLock 串行化，读只在 clientReadLoop
	clientConn     *websocket.Conn
	clientConnLock sync.Mutex
	connClosed     bool

	queue *EventQueue

	closeOnce sync.Once
	closeChan chan struct{}

	config Config
	log    *logger.Logger
}

// NewGateway 创建一个新的 Gateway 实例
func NewGateway(sessionID string, clientConn *websocket.Conn, sessions Sessions, hub *Hub, config Config, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		sessionID:  sessionID,
		sessions:   sessions,
		hub:        hub,
		clientConn: clientConn,
		closeChan:  make(chan struct{}),
		config:     config,
		log:        log.With("session_id", sessionID),
	}
}

// Serve 阻塞运行直到连接关闭
// 先订阅再补发：补发期间到达的实时事件留在订阅缓冲里，按 seq 跳过已发送的部分。
func (g *Gateway) Serve(ctx context.Context, after int64) error {
	defer g.Close()

	sub := g.hub.Subscribe(g.sessionID)
	defer g.hub.Unsubscribe(sub)

	backlog, err := g.sessions.Events(ctx, g.sessionID, after)
	if err != nil {
		_ = g.sendError("", err)
		return fmt.Errorf("replay events: %w", err)
	}
	last := after
	for i := range backlog {
		if err := g.sendEvent(&backlog[i]); err != nil {
			return err
		}
		last = backlog[i].Seq
	}
	if err := g.sendToClient(&ServerMessage{Type: TypeReplayDone, Seq: last}); err != nil {
		return err
	}
	g.log.Info("[Gateway] stream started", "after", after, "replayed", len(backlog))

	g.queue = NewEventQueue(g.sessionID, g.handle, g.config.Queue, g.log)
	defer g.queue.Close()

	go g.clientReadLoop()
	go g.pingLoop()

	for {
		select {
		case <-g.closeChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				g.log.Warn("[Gateway] subscription dropped", "last_seq", last)
				return ErrSlowConsumer
			}
			if evt.Seq <= last {
				continue
			}
			last = evt.Seq
			if err := g.sendEvent(&evt); err != nil {
				return err
			}
		}
	}
}

// clientReadLoop 从客户端读取 JSON 消息
func (g *Gateway) clientReadLoop() {
	defer g.Close()

	for {
		select {
		case <-g.closeChan:
			return
		default:
		}

		messageType, data, err := g.clientConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("[Gateway] client read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := g.handleClientMessage(data); err != nil {
			// 回一个错误，但不断开连接
			g.log.Warn("[Gateway] client message rejected", "error", err)
			_ = g.sendError("", err)
		}
	}
}

func (g *Gateway) handleClientMessage(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}
	if msg.ClientTS.IsZero() {
		msg.ClientTS = time.Now()
	}

	switch msg.Type {
	case TypePing:
		return g.sendToClient(&ServerMessage{Type: TypePong, EventID: msg.EventID})
	case TypeSubmit, TypeUpdateSettings, TypeReset:
		if err := g.queue.Enqueue(&msg); err != nil {
			return fmt.Errorf("%s: %w", msg.Type, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// handle 在队列协程里执行一条消息；结果以时间线事件的形式推回，这里只回报错误
func (g *Gateway) handle(ctx context.Context, msg *ClientMessage) error {
	err := g.dispatch(ctx, msg)
	if err != nil {
		_ = g.sendError(msg.EventID, err)
	}
	return err
}

func (g *Gateway) dispatch(ctx context.Context, msg *ClientMessage) error {
	switch msg.Type {
	case TypeSubmit:
		turn, err := msg.Turn()
		if err != nil {
			return err
		}
		_, err = g.sessions.Submit(ctx, g.sessionID, turn)
		return err
	case TypeUpdateSettings:
		if msg.Settings == nil {
			return errors.New("update_settings without settings")
		}
		_, err := g.sessions.UpdateSettings(ctx, g.sessionID, *msg.Settings)
		return err
	case TypeReset:
		_, err := g.sessions.Reset(ctx, g.sessionID)
		return err
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (g *Gateway) sendEvent(evt *model.Event) error {
	return g.sendToClient(&ServerMessage{Type: TypeEvent, Seq: evt.Seq, Event: evt, ServerTS: evt.ServerTS})
}

// sendToClient 发送消息给客户端
func (g *Gateway) sendToClient(msg *ServerMessage) error {
	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.connClosed {
		return errors.New("client connection is closed")
	}
	_ = g.clientConn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
	if err := g.clientConn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// sendError 发送错误消息给客户端
func (g *Gateway) sendError(eventID string, err error) error {
	return g.sendToClient(&ServerMessage{Type: TypeError, EventID: eventID, Error: err.Error()})
}

// pingLoop 定期发送 ping 保持连接
func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.clientConnLock.Lock()
			if !g.connClosed {
				_ = g.clientConn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			g.clientConnLock.Unlock()
		}
	}
}

// Close 关闭连接；可重复调用
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.log.Info("[Gateway] closing stream")
		close(g.closeChan)
		closeErr = g.closeClientConn()
	})

	return closeErr
}

// closeClientConn 关闭客户端连接
func (g *Gateway) closeClientConn() error {
	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.connClosed {
		return nil
	}
	g.connClosed = true

	_ = g.clientConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return g.clientConn.Close()
}
