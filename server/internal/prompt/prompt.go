package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/model"
)

//go:embed persona.md
var defaultPersona string

// Builder 负责把固定人设与当前用户上下文拼成系统指令。
type Builder struct {
	persona string
}

// NewBuilder path 为空时使用内置人设，否则读取该 markdown 文件。
func NewBuilder(path string) (*Builder, error) {
	if path == "" {
		return &Builder{persona: defaultPersona}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, fmt.Errorf("persona %s is empty", path)
	}
	return &Builder{persona: string(content)}, nil
}

// Default 使用内置人设。
func Default() *Builder {
	return &Builder{persona: defaultPersona}
}

// Request 构建系统指令所需的上下文。
type Request struct {
	Settings model.UserSettings
	Stats    gamification.Stats
}

// Build 组装完整的系统指令文本
func (b *Builder) Build(req Request) string {
	var sb strings.Builder

	sb.WriteString(strings.TrimSpace(b.persona))
	sb.WriteString("\n\n")

	s := req.Settings
	sb.WriteString("[Current User Context]\n")
	sb.WriteString(fmt.Sprintf("- Grade Level: %s\n", s.GradeLevel))
	sb.WriteString(fmt.Sprintf("- Language: %s\n", s.Language))
	sb.WriteString(fmt.Sprintf("- Tutoring Style: %s\n", s.Persona))
	sb.WriteString(fmt.Sprintf("- Teacher Mode: %s\n", onOff(s.TeacherMode)))
	sb.WriteString(fmt.Sprintf("- Rank: %s (Level %d, %d XP)\n", req.Stats.Rank, req.Stats.Level, req.Stats.XP))
	sb.WriteString("\n")

	sb.WriteString("[Constraints]\n")
	if s.Language != "" && !strings.EqualFold(s.Language, model.DefaultLanguage) {
		sb.WriteString(fmt.Sprintf("- Reply in %s. Keep JSON keys and the type values in English.\n", s.Language))
	}
	switch req.Stats.Rank {
	case gamification.RankBeginner:
		sb.WriteString("- The learner is a beginner: keep explanations simple and encouraging.\n")
	case gamification.RankMaster:
		sb.WriteString("- The learner is a master: be concise and technical, and challenge them.\n")
	}
	sb.WriteString("- If the previous user message was a wrong quiz answer, find the concept gap first.\n")

	return sb.String()
}

func onOff(v bool) string {
	if v {
		return "ACTIVE"
	}
	return "INACTIVE"
}
