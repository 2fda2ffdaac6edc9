package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"edu-vision/server/internal/model"
)

// Backend 生成式后端的全部能力：对话、文生图、改图、视频长任务与语音合成。
type Backend interface {
	// Chat 返回模型回复原文（可能含 fenced JSON 与 XP 标记）。
	Chat(ctx context.Context, req ChatRequest) (string, error)
	// GenerateImage 期望返回恰好一张图。
	GenerateImage(ctx context.Context, prompt string, size model.ImageSize) (model.InlineImage, error)
	// EditImage 以一张输入图为底改图，期望返回恰好一张图。
	EditImage(ctx context.Context, prompt string, src model.InlineImage) (model.InlineImage, error)
	// StartVideo 提交视频生成，返回长任务名。
	StartVideo(ctx context.Context, req VideoRequest) (string, error)
	// PollVideo 查询长任务一次。
	PollVideo(ctx context.Context, operation string) (VideoStatus, error)
	// Synthesize 把纯文本合成为音频。
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Role 对话内容的角色，与 model.Role 取值一致。
type Role = model.Role

// Content 一轮对话内容。
type Content struct {
	Role  Role   `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part 文本或内联媒体，二选一。
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData base64 编码的媒体。
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// TextPart 构造文本片段。
func TextPart(text string) Part {
	return Part{Text: text}
}

// ImagePart 构造内联图片片段。
func ImagePart(img model.InlineImage) Part {
	return Part{InlineData: &InlineData{MIMEType: img.MIMEType, Data: img.Data}}
}

// ChatRequest 对话请求：有序历史（最后一项是本轮）+ 系统指令 + 采样参数。
type ChatRequest struct {
	System   string
	Contents []Content
	// Temperature / ThinkingBudget 为零时使用客户端默认值。
	Temperature    float64
	ThinkingBudget int
}

// VideoRequest 视频生成请求，参考图可选。
type VideoRequest struct {
	Prompt      string
	AspectRatio model.AspectRatio
	Image       *model.InlineImage
}

// VideoStatus 长任务的一次查询结果。
type VideoStatus struct {
	Done bool
	// URI 完成后的视频地址。
	URI string
}

// Audio 合成得到的音频。
type Audio struct {
	MIMEType string
	Data     []byte
}

var (
	// ErrNoImage 响应里没有图片。
	ErrNoImage = errors.New("no image in response")
	// ErrNoAudio 响应里没有音频。
	ErrNoAudio = errors.New("no audio in response")
	// ErrNoVideo 长任务已完成但没有视频。
	ErrNoVideo = errors.New("no video in operation result")
)

// APIError 后端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	// Status Google 错误体里的 status 字段，例如 PERMISSION_DENIED。
	Status  string
	Message string
	Body    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Status != "" {
		return fmt.Sprintf("API error (status %d %s): %s", e.StatusCode, e.Status, msg)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, msg)
}

// PermissionDenied 报告是否为授权类错误（403 或 PERMISSION_DENIED），可通过重新选择密钥恢复。
func (e *APIError) PermissionDenied() bool {
	return e.StatusCode == http.StatusForbidden || strings.EqualFold(e.Status, "PERMISSION_DENIED")
}

// IsPermissionDenied 在错误链上查找授权类 APIError。
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.PermissionDenied()
}
