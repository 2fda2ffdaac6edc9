package widget

import "errors"

var (
	ErrOptionOutOfRange = errors.New("option index out of range")
	ErrQuizCompleted    = errors.New("quiz already completed")
	ErrNotAnswered      = errors.New("current question not answered")
)

// QuizPlayer 是测验组件的本地交互状态，不触碰全局 XP。
//
// 状态约定：
// - 每题只能选一次，选定即锁定，再选其它选项是 no-op。
// - 解析面板在第一次选择时出现。
// - 最后一题之后 Next 标记整卷完成。
type QuizPlayer struct {
	data      QuizData
	current   int
	selected  int // -1 表示尚未作答
	score     int
	completed bool
}

// NewQuizPlayer 假设 data 已经通过 Validate。
func NewQuizPlayer(data QuizData) *QuizPlayer {
	return &QuizPlayer{data: data, selected: -1}
}

// Current 返回当前题目及其下标。
func (p *QuizPlayer) Current() (Question, int) {
	return p.data.Questions[p.current], p.current
}

// Total 题目总数。
func (p *QuizPlayer) Total() int { return len(p.data.Questions) }

// Select 作答当前题。已作答时返回 false 且状态不变。
func (p *QuizPlayer) Select(option int) (bool, error) {
	if p.completed {
		return false, ErrQuizCompleted
	}
	q := p.data.Questions[p.current]
	if option < 0 || option >= len(q.Options) {
		return false, ErrOptionOutOfRange
	}
	if p.selected >= 0 {
		return false, nil
	}
	p.selected = option
	if option == q.CorrectAnswer {
		p.score++
	}
	return true, nil
}

// Selected 返回当前题的选择，未作答时 ok=false。
func (p *QuizPlayer) Selected() (int, bool) {
	return p.selected, p.selected >= 0
}

// Correct 当前题是否答对；未作答返回 false。
func (p *QuizPlayer) Correct() bool {
	return p.selected >= 0 && p.selected == p.data.Questions[p.current].CorrectAnswer
}

// ExplanationVisible 解析面板是否展示。
func (p *QuizPlayer) ExplanationVisible() bool {
	return p.selected >= 0 && !p.completed
}

// Next 前进到下一题；在最后一题上调用则完成整卷。
func (p *QuizPlayer) Next() error {
	if p.completed {
		return ErrQuizCompleted
	}
	if p.selected < 0 {
		return ErrNotAnswered
	}
	if p.current < len(p.data.Questions)-1 {
		p.current++
		p.selected = -1
		return nil
	}
	p.completed = true
	return nil
}

// Completed 整卷是否完成。
func (p *QuizPlayer) Completed() bool { return p.completed }

// Score 返回答对数与总数。
func (p *QuizPlayer) Score() (correct, total int) {
	return p.score, len(p.data.Questions)
}

// Restart 清空全部本地进度。
func (p *QuizPlayer) Restart() {
	p.current = 0
	p.selected = -1
	p.score = 0
	p.completed = false
}

// FlashcardDeck 是闪卡组件的本地交互状态。
// 翻面不改变下标；前后翻页按牌数取模循环，换卡后回到正面。
type FlashcardDeck struct {
	data    FlashcardData
	index   int
	flipped bool
}

// NewFlashcardDeck 假设 data 已经通过 Validate（至少一张卡）。
func NewFlashcardDeck(data FlashcardData) *FlashcardDeck {
	return &FlashcardDeck{data: data}
}

// Current 当前卡片。
func (d *FlashcardDeck) Current() Card { return d.data.Cards[d.index] }

// Index 当前下标（从 0 开始）。
func (d *FlashcardDeck) Index() int { return d.index }

// Len 牌数。
func (d *FlashcardDeck) Len() int { return len(d.data.Cards) }

// Flip 切换正反面。
func (d *FlashcardDeck) Flip() { d.flipped = !d.flipped }

// Flipped 当前是否显示背面。
func (d *FlashcardDeck) Flipped() bool { return d.flipped }

// Next 下一张，末尾回到第一张。
func (d *FlashcardDeck) Next() {
	d.flipped = false
	d.index = (d.index + 1) % len(d.data.Cards)
}

// Prev 上一张，第一张回到末尾。
func (d *FlashcardDeck) Prev() {
	d.flipped = false
	d.index = (d.index - 1 + len(d.data.Cards)) % len(d.data.Cards)
}

// Position 返回 1-based 的 "当前 / 总数"。
func (d *FlashcardDeck) Position() (int, int) {
	return d.index + 1, len(d.data.Cards)
}
