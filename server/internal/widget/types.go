package widget

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 是 fenced JSON 块里 type 判别字段的取值。
type Kind string

const (
	KindQuiz       Kind = "quiz"
	KindFlashcards Kind = "flashcards"
	KindWhiteboard Kind = "whiteboard"
	KindStudyPlan  Kind = "study_plan"
)

// Widget 是一个经过 schema 校验的组件。
// 四种载荷各自实现该接口，调用方用类型断言或 Kind() 分派。
type Widget interface {
	Kind() Kind
	Validate() error
}

// Question 是测验中的一道题。
type Question struct {
	Prompt        string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// QuizData 测验组件载荷。
type QuizData struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

func (QuizData) Kind() Kind { return KindQuiz }

// Validate 要求至少一道题，每题至少两个选项，且 correctAnswer 落在 [0, len(options))。
func (q QuizData) Validate() error {
	if len(q.Questions) == 0 {
		return errors.New("quiz has no questions")
	}
	for i, question := range q.Questions {
		if len(question.Options) < 2 {
			return fmt.Errorf("question %d: need at least 2 options, got %d", i, len(question.Options))
		}
		if question.CorrectAnswer < 0 || question.CorrectAnswer >= len(question.Options) {
			return fmt.Errorf("question %d: correctAnswer %d out of range [0,%d)", i, question.CorrectAnswer, len(question.Options))
		}
	}
	return nil
}

// Card 闪卡的一张。
type Card struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// FlashcardData 闪卡组件载荷。
type FlashcardData struct {
	Topic string `json:"topic"`
	Cards []Card `json:"cards"`
}

func (FlashcardData) Kind() Kind { return KindFlashcards }

// Validate 要求至少一张卡，正反面都不能为空。
func (f FlashcardData) Validate() error {
	if len(f.Cards) == 0 {
		return errors.New("flashcards has no cards")
	}
	for i, card := range f.Cards {
		if strings.TrimSpace(card.Front) == "" || strings.TrimSpace(card.Back) == "" {
			return fmt.Errorf("card %d: front and back must be non-empty", i)
		}
	}
	return nil
}

// Step 白板推导中的一步，顺序有语义。
type Step struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// WhiteboardData 白板组件载荷。
type WhiteboardData struct {
	Title string `json:"title"`
	Steps []Step `json:"steps"`
}

func (WhiteboardData) Kind() Kind { return KindWhiteboard }

// Validate 白板没有额外约束，空步骤由渲染端兜底。
func (w WhiteboardData) Validate() error { return nil }

// Day 学习计划中的一天。
type Day struct {
	Label string   `json:"day"`
	Focus string   `json:"focus"`
	Tasks []string `json:"tasks"`
}

// StudyPlanData 学习计划组件载荷。
type StudyPlanData struct {
	Title string `json:"title"`
	Days  []Day  `json:"days"`
}

func (StudyPlanData) Kind() Kind { return KindStudyPlan }

// Validate 学习计划没有额外约束，缺失的日期标签由渲染端兜底。
func (p StudyPlanData) Validate() error { return nil }
