package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"edu-vision/server/internal/content"
	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/widget"
)

// RenderOptions 终端渲染参数。
type RenderOptions struct {
	// Width markdown 折行宽度，<=0 用 100。
	Width int
	// Style glamour 样式名；空串按终端背景自动选择，"notty" 输出纯文本。
	Style string
}

// Renderer 把会话内容渲染到终端：文本走 glamour，组件与状态行走 lipgloss。
type Renderer struct {
	out io.Writer
	md  *glamour.TermRenderer
	mu  sync.Mutex

	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	infoStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	headerStyle  lipgloss.Style
	cardStyle    lipgloss.Style
}

func NewRenderer(out io.Writer, opts RenderOptions) (*Renderer, error) {
	width := opts.Width
	if width <= 0 {
		width = 100
	}
	style := glamour.WithAutoStyle()
	if opts.Style != "" {
		style = glamour.WithStandardStyle(opts.Style)
	}
	md, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}

	return &Renderer{
		out: out,
		md:  md,

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),
		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		successStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		infoStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		boldStyle: lipgloss.NewStyle().Bold(true),
		headerStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#FFFFFF"}).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#CCCCCC", Dark: "#444444"}),
		cardStyle: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#7B61FF", Dark: "#A78BFA"}).
			Padding(0, 2),
	}, nil
}

func (r *Renderer) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// Prompt 打印输入提示，不换行。
func (r *Renderer) Prompt(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, r.infoStyle.Render(label)+" ")
}

func (r *Renderer) Info(format string, args ...any) {
	r.println(r.infoStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *Renderer) Dim(format string, args ...any) {
	r.println(r.dimStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *Renderer) Success(format string, args ...any) {
	r.println(r.successStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *Renderer) Warn(format string, args ...any) {
	r.println(r.warnStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *Renderer) Error(err error) {
	r.println(r.errorStyle.Render("error: " + err.Error()))
}

func (r *Renderer) Header(title string) {
	r.println(r.headerStyle.Render(title))
}

// Markdown 渲染一段 markdown；渲染失败时原样输出。
func (r *Renderer) Markdown(md string) {
	out, err := r.md.Render(md)
	if err != nil {
		r.println(md)
		return
	}
	r.println(strings.TrimRight(out, "\n"))
}

// Message 渲染一条消息：用户消息一行带前缀，模型消息按内容块渲染。
func (r *Renderer) Message(msg model.Message) {
	if msg.Role == model.RoleUser {
		line := r.boldStyle.Render("you> ") + msg.Text
		if n := len(msg.Images); n > 0 {
			line += r.dimStyle.Render(fmt.Sprintf(" [%d image(s)]", n))
		}
		r.println(line)
		return
	}
	if msg.IsError {
		r.println(r.errorStyle.Render(msg.Text))
		return
	}
	r.Blocks(content.Compact(content.Parse(msg.Text)))
}

// Blocks 按顺序渲染内容块。
func (r *Renderer) Blocks(blocks []content.Block) {
	for _, b := range blocks {
		if b.Type == content.BlockText {
			r.Markdown(b.Text)
			continue
		}
		switch w := b.Widget.(type) {
		case widget.QuizData:
			r.Header(fmt.Sprintf("Quiz: %s (%d questions)", orDefault(w.Title, "Practice"), len(w.Questions)))
		case widget.FlashcardData:
			r.Header(fmt.Sprintf("Flashcards: %s (%d cards)", orDefault(w.Topic, "Review"), len(w.Cards)))
		case widget.WhiteboardData:
			r.Whiteboard(w)
		case widget.StudyPlanData:
			r.StudyPlan(w)
		}
	}
}

func (r *Renderer) Whiteboard(w widget.WhiteboardData) {
	r.Header("Whiteboard: " + orDefault(w.Title, "Step by step"))
	for i, step := range w.Steps {
		label := step.Label
		if label == "" {
			label = fmt.Sprintf("Step %d", i+1)
		}
		r.println(r.boldStyle.Render(fmt.Sprintf("%d. %s", i+1, label)))
		r.Markdown(step.Content)
	}
}

func (r *Renderer) StudyPlan(p widget.StudyPlanData) {
	r.Header("Study plan: " + orDefault(p.Title, "Your schedule"))
	for i, day := range p.Days {
		label := strings.TrimSpace(day.Label)
		if label == "" {
			label = fmt.Sprintf("Day %d", i+1)
		}
		line := r.boldStyle.Render(label)
		if day.Focus != "" {
			line += " " + r.infoStyle.Render(day.Focus)
		}
		r.println(line)
		for _, task := range day.Tasks {
			r.println("  [ ] " + task)
		}
	}
}

// QuizQuestion 渲染当前题与编号选项。
func (r *Renderer) QuizQuestion(q widget.Question, index, total int) {
	r.println(r.dimStyle.Render(fmt.Sprintf("Question %d of %d", index+1, total)))
	r.println(r.boldStyle.Render(q.Prompt))
	for i, opt := range q.Options {
		r.println(fmt.Sprintf("  %d) %s", i+1, opt))
	}
}

// QuizFeedback 作答后的对错与解析。
func (r *Renderer) QuizFeedback(q widget.Question, correct bool) {
	if correct {
		r.println(r.successStyle.Render("Correct!"))
	} else {
		r.println(r.errorStyle.Render(fmt.Sprintf("Not quite. The answer is %d) %s", q.CorrectAnswer+1, q.Options[q.CorrectAnswer])))
	}
	if q.Explanation != "" {
		r.println(r.dimStyle.Render(q.Explanation))
	}
}

func (r *Renderer) QuizScore(correct, total int) {
	r.println(r.successStyle.Render(fmt.Sprintf("Quiz complete: %d/%d correct", correct, total)))
}

// Flashcard 渲染一张卡的当前面。
func (r *Renderer) Flashcard(card widget.Card, flipped bool, pos, total int) {
	face, text := "FRONT", card.Front
	if flipped {
		face, text = "BACK", card.Back
	}
	r.println(r.dimStyle.Render(fmt.Sprintf("Card %d / %d  %s", pos, total, face)))
	r.println(r.cardStyle.Render(text))
}

// Stats 一行展示等级、段位与进度。
func (r *Renderer) Stats(s gamification.Stats) {
	r.println(fmt.Sprintf("%s  %s  %s",
		r.boldStyle.Render(fmt.Sprintf("Level %d", s.Level)),
		r.infoStyle.Render(string(s.Rank)),
		r.dimStyle.Render(fmt.Sprintf("%d XP (%.0f%% to next level)", s.XP, s.LevelProgress)),
	))
}

// XPGain 获得 XP 的提示。
func (r *Renderer) XPGain(amount int, s gamification.Stats) {
	r.println(r.successStyle.Render(fmt.Sprintf("+%d XP", amount)) + "  " + r.dimStyle.Render(fmt.Sprintf("Level %d · %s", s.Level, s.Rank)))
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
