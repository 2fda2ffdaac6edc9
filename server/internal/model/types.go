package model

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Role 标识一条消息的发送方（封闭枚举）。
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Mode 是编排器本轮的路由目标，由用户显式选择，不从内容里猜。
type Mode string

const (
	ModeChat            Mode = "chat"
	ModeImageGeneration Mode = "image_generation"
	ModeImageEdit       Mode = "image_edit"
	ModeVideoGeneration Mode = "video_generation"
)

// ParseMode 解析模式字符串，空串视为 chat。
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case "":
		return ModeChat, nil
	case ModeChat, ModeImageGeneration, ModeImageEdit, ModeVideoGeneration:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// ImageSize 图像生成的分辨率档位。
type ImageSize string

const (
	ImageSize1K ImageSize = "1K"
	ImageSize2K ImageSize = "2K"
	ImageSize4K ImageSize = "4K"
)

// ParseImageSize 空串回落到 1K。
func ParseImageSize(s string) (ImageSize, error) {
	switch v := ImageSize(strings.ToUpper(strings.TrimSpace(s))); v {
	case "":
		return ImageSize1K, nil
	case ImageSize1K, ImageSize2K, ImageSize4K:
		return v, nil
	default:
		return "", fmt.Errorf("unknown image size %q", s)
	}
}

// AspectRatio 视频生成的画幅。
type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
)

// ParseAspectRatio 空串回落到 16:9。
func ParseAspectRatio(s string) (AspectRatio, error) {
	switch v := AspectRatio(strings.TrimSpace(s)); v {
	case "":
		return AspectLandscape, nil
	case AspectLandscape, AspectPortrait:
		return v, nil
	default:
		return "", fmt.Errorf("unknown aspect ratio %q", s)
	}
}

// GradeLevel 年级档位（封闭枚举）。
type GradeLevel string

const (
	GradeElementary GradeLevel = "Grade 1-5"
	GradeMiddle     GradeLevel = "Grade 6-10"
	GradeHighSchool GradeLevel = "Grade 11-12"
	GradeCollege    GradeLevel = "College/University"
)

const (
	DefaultPersona  = "Standard Tutor"
	DefaultLanguage = "English"
)

// GradeLevels 按展示顺序返回全部年级。
func GradeLevels() []GradeLevel {
	return []GradeLevel{GradeElementary, GradeMiddle, GradeHighSchool, GradeCollege}
}

// Valid 报告 g 是否为已知年级。
func (g GradeLevel) Valid() bool {
	for _, known := range GradeLevels() {
		if g == known {
			return true
		}
	}
	return false
}

// UserSettings 是纯配置，按值传入每次请求。
type UserSettings struct {
	GradeLevel  GradeLevel `json:"grade_level"`
	Language    string     `json:"language"`
	Persona     string     `json:"persona"`
	TeacherMode bool       `json:"teacher_mode"`
}

// DefaultSettings 与前端初始状态一致。
func DefaultSettings() UserSettings {
	return UserSettings{
		GradeLevel: GradeHighSchool,
		Language:   DefaultLanguage,
		Persona:    DefaultPersona,
	}
}

// InlineImage 以内联编码字节承载的图片。
type InlineImage struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ParseDataURL 接受 data:<mime>;base64,<data> 或裸 base64。
// 裸 base64 默认按 image/jpeg 处理。
func ParseDataURL(raw string) (InlineImage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return InlineImage{}, fmt.Errorf("empty image payload")
	}
	img := InlineImage{MIMEType: "image/jpeg", Data: raw}
	if strings.HasPrefix(raw, "data:") {
		header, data, ok := strings.Cut(raw, ",")
		if !ok {
			return InlineImage{}, fmt.Errorf("malformed data url")
		}
		mime := strings.TrimPrefix(header, "data:")
		mime = strings.TrimSuffix(mime, ";base64")
		if mime != "" {
			img.MIMEType = mime
		}
		img.Data = data
	}
	if _, err := base64.StdEncoding.DecodeString(img.Data); err != nil {
		return InlineImage{}, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Message 是对话中的一轮，创建后只追加不修改。
type Message struct {
	ID             string        `json:"id"`
	Role           Role          `json:"role"`
	Text           string        `json:"text"`
	Images         []InlineImage `json:"images,omitempty"`
	GeneratedImage *InlineImage  `json:"generated_image,omitempty"`
	GeneratedVideo string        `json:"generated_video,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	IsError        bool          `json:"is_error,omitempty"`
}

// Status 对话状态机的状态。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
)

// SessionState 是一个学习会话的全部状态：消息日志、设置与 XP。
// 等级与段位不落盘，始终由 XP 推导。
type SessionState struct {
	SessionID string       `json:"session_id"`
	Status    Status       `json:"status"`
	Settings  UserSettings `json:"settings"`
	Messages  []Message    `json:"messages"`

	XP          int       `json:"xp"`
	LastXPGain  int       `json:"last_xp_gain,omitempty"`
	XPGainUntil time.Time `json:"xp_gain_until,omitempty"`

	// LastEventID 最后一个归约进快照的时间线事件，收尾重试据此跳过已生效的事件。
	LastEventID string `json:"last_event_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindMessage 按 ID 查找消息。
func (s *SessionState) FindMessage(id string) (Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Clone 深拷贝，存储层用它隔离调用方的修改。
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Images != nil {
			m.Images = append([]InlineImage(nil), m.Images...)
		}
		if m.GeneratedImage != nil {
			img := *m.GeneratedImage
			m.GeneratedImage = &img
		}
		out.Messages[i] = m
	}
	return &out
}

// Event 类型。
const (
	EventUserMessage     = "user_message"
	EventModelMessage    = "model_message"
	EventModelError      = "model_error"
	EventXPGained        = "xp_gained"
	EventSettingsUpdated = "settings_updated"
	EventSessionReset    = "session_reset"
)

// Event 表示时间线中的一个事实事件。
type Event struct {
	// Seq 由时间线分配的单调序号。
	Seq       int64  `json:"seq,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`

	Message  *Message      `json:"message,omitempty"`
	XPGain   int           `json:"xp_gain,omitempty"`
	Settings *UserSettings `json:"settings,omitempty"`
	// ExpiresAt 只在 xp_gained 上出现，前端据此收起提示。
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	ServerTS  time.Time `json:"server_ts"`
}
