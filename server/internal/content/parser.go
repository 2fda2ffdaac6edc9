package content

import (
	"errors"
	"regexp"
	"strings"

	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/widget"
)

// BlockType 内容块的两种变体。
type BlockType string

const (
	BlockText   BlockType = "text"
	BlockWidget BlockType = "widget"
)

// Block 是一条回复切分后的一个有序片段：纯文本，或一个校验过的组件。
// 不缓存、不落盘，每次渲染从消息原文重新计算。
type Block struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`

	Kind   widget.Kind   `json:"kind,omitempty"`
	Widget widget.Widget `json:"data,omitempty"`

	// Fallback 非空表示这段文本原本是一个无法识别的 JSON 块，按原样保留。
	Fallback string `json:"fallback,omitempty"`
	// HTML 只在调用方要求时由 RenderHTML 填充。
	HTML string `json:"html,omitempty"`
}

// jsonFence 匹配 ```json ... ```，内容非贪婪，两侧空白不计入载荷。
var jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// Parser 把模型回复切分成文本片段与组件，纯函数，无共享可变状态。
type Parser struct {
	registry *widget.Registry
}

// NewParser registry 为 nil 时使用内置四种组件。
func NewParser(registry *widget.Registry) *Parser {
	if registry == nil {
		registry = widget.DefaultRegistry()
	}
	return &Parser{registry: registry}
}

var defaultParser = NewParser(nil)

// Parse 使用默认组件注册表切分回复。
func Parse(reply string) []Block {
	return defaultParser.Parse(reply)
}

// Parse 切分回复。
//
// 约定：
//   - 先去掉全部 XP 标记。
//   - 每个 fenced 块之前总会输出一个文本片段（可能为空），最后一个块之后也输出剩余文本。
//   - 解码失败、type 未知、schema 不符的块按原文作为文本片段输出，不丢信息、不报错。
//   - 把组件替换成空串后，文本片段依次拼接等于去掉组件块与 XP 标记后的原文。
func (p *Parser) Parse(reply string) []Block {
	clean := gamification.StripTags(reply)
	matches := jsonFence.FindAllStringSubmatchIndex(clean, -1)

	blocks := make([]Block, 0, 2*len(matches)+1)
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		payload := clean[m[2]:m[3]]

		blocks = append(blocks, Block{Type: BlockText, Text: clean[last:start]})

		w, err := p.registry.Decode([]byte(payload))
		if err != nil {
			blocks = append(blocks, Block{
				Type:     BlockText,
				Text:     clean[start:end],
				Fallback: fallbackReason(err),
			})
		} else {
			blocks = append(blocks, Block{Type: BlockWidget, Kind: w.Kind(), Widget: w})
		}
		last = end
	}
	blocks = append(blocks, Block{Type: BlockText, Text: clean[last:]})
	return blocks
}

func fallbackReason(err error) string {
	var syn *widget.SyntaxError
	var unknown *widget.UnknownKindError
	var invalid *widget.InvalidPayloadError
	switch {
	case errors.As(err, &syn):
		return "invalid_json"
	case errors.As(err, &unknown):
		return "unknown_type"
	case errors.As(err, &invalid):
		return "invalid_payload"
	default:
		return "invalid"
	}
}

// Compact 丢弃只含空白的文本片段，保留组件与降级文本。
func Compact(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockText && b.Fallback == "" && strings.TrimSpace(b.Text) == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Widgets 按顺序返回所有组件。
func Widgets(blocks []Block) []widget.Widget {
	var out []widget.Widget
	for _, b := range blocks {
		if b.Type == BlockWidget {
			out = append(out, b.Widget)
		}
	}
	return out
}

// PlainText 把组件视为空串后拼接所有文本片段。
func PlainText(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
