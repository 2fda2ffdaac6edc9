package gateway

import (
	"fmt"
	"time"

	"edu-vision/server/internal/model"
	"edu-vision/server/internal/orchestrator"
)

// MessageType 定义了网关收发的消息类型
type MessageType string

const (
	// 客户端 -> 网关
	TypeSubmit         MessageType = "submit"          // 提交一轮
	TypeUpdateSettings MessageType = "update_settings" // 更新设置
	TypeReset          MessageType = "reset"           // 重置会话
	TypePing           MessageType = "ping"            // 应用层心跳

	// 网关 -> 客户端
	TypeEvent      MessageType = "event"       // 时间线事件
	TypeReplayDone MessageType = "replay_done" // 补发结束，之后都是实时事件
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type    MessageType `json:"type"`
	EventID string      `json:"event_id,omitempty"` // 回传到错误消息里，便于客户端关联

	// submit
	Text        string   `json:"text,omitempty"`
	Images      []string `json:"images,omitempty"` // data url 或裸 base64
	Mode        string   `json:"mode,omitempty"`
	ImageSize   string   `json:"image_size,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`

	// update_settings
	Settings *model.UserSettings `json:"settings,omitempty"`

	ClientTS time.Time `json:"client_ts,omitempty"`
}

// Turn 把 submit 消息转换成一轮提交；图片逐个解析。
func (m *ClientMessage) Turn() (orchestrator.Turn, error) {
	turn := orchestrator.Turn{
		Text:        m.Text,
		Mode:        model.Mode(m.Mode),
		ImageSize:   model.ImageSize(m.ImageSize),
		AspectRatio: model.AspectRatio(m.AspectRatio),
	}
	for i, raw := range m.Images {
		img, err := model.ParseDataURL(raw)
		if err != nil {
			return orchestrator.Turn{}, fmt.Errorf("image %d: %w", i, err)
		}
		turn.Images = append(turn.Images, img)
	}
	return turn, nil
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type     MessageType  `json:"type"`
	Seq      int64        `json:"seq,omitempty"` // 事件序号；replay_done 上是补发的最后一个序号
	Event    *model.Event `json:"event,omitempty"`
	EventID  string       `json:"event_id,omitempty"`
	Error    string       `json:"error,omitempty"`
	ServerTS time.Time    `json:"server_ts"`
}
