package content

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderHTML 为每个文本片段填充 HTML 字段（组件保持原样，由前端按 kind 渲染）。
// 不修改入参。
func RenderHTML(blocks []Block) ([]Block, error) {
	out := make([]Block, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].Type != BlockText {
			continue
		}
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(out[i].Text), &buf); err != nil {
			return nil, fmt.Errorf("render block %d: %w", i, err)
		}
		out[i].HTML = buf.String()
	}
	return out, nil
}
