package widget

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Decoder 把 data 字段解码成具体组件（不做 Validate）。
type Decoder func(data json.RawMessage) (Widget, error)

// Registry 组件注册表：type 判别字段 -> 解码器。
type Registry struct {
	decoders map[Kind]Decoder
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Kind]Decoder)}
}

// DefaultRegistry 注册了四种内置组件。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindQuiz, decodeQuiz)
	r.Register(KindFlashcards, decodeInto[FlashcardData])
	r.Register(KindWhiteboard, decodeInto[WhiteboardData])
	r.Register(KindStudyPlan, decodeInto[StudyPlanData])
	return r
}

// Register 注册（或覆盖）某个类型的解码器。
func (r *Registry) Register(kind Kind, dec Decoder) {
	r.decoders[kind] = dec
}

// Has 报告 kind 是否已注册。
func (r *Registry) Has(kind Kind) bool {
	_, ok := r.decoders[kind]
	return ok
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode 解析 {"type": ..., "data": ...} 信封，分派到对应解码器并做 schema 校验。
//
// 错误分三类：信封本身不是合法 JSON（*SyntaxError），type 未注册（*UnknownKindError），
// data 解码或校验失败（*InvalidPayloadError）。
func (r *Registry) Decode(raw []byte) (Widget, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &SyntaxError{Err: err}
	}

	dec, ok := r.decoders[Kind(env.Type)]
	if !ok {
		return nil, &UnknownKindError{Kind: env.Type}
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, &InvalidPayloadError{Kind: Kind(env.Type), Err: errors.New("missing data")}
	}

	w, err := dec(data)
	if err != nil {
		return nil, &InvalidPayloadError{Kind: Kind(env.Type), Err: err}
	}
	if err := w.Validate(); err != nil {
		return nil, &InvalidPayloadError{Kind: Kind(env.Type), Err: err}
	}
	return w, nil
}

func decodeInto[T Widget](data json.RawMessage) (Widget, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeQuiz 单独处理：缺失的 correctAnswer 不能被当成 0。
func decodeQuiz(data json.RawMessage) (Widget, error) {
	var raw struct {
		Title     string `json:"title"`
		Questions []struct {
			Prompt        string   `json:"question"`
			Options       []string `json:"options"`
			CorrectAnswer *int     `json:"correctAnswer"`
			Explanation   string   `json:"explanation"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	quiz := QuizData{Title: raw.Title, Questions: make([]Question, 0, len(raw.Questions))}
	for i, q := range raw.Questions {
		if q.CorrectAnswer == nil {
			return nil, fmt.Errorf("question %d: missing correctAnswer", i)
		}
		quiz.Questions = append(quiz.Questions, Question{
			Prompt:        q.Prompt,
			Options:       q.Options,
			CorrectAnswer: *q.CorrectAnswer,
			Explanation:   q.Explanation,
		})
	}
	return quiz, nil
}

// SyntaxError 信封不是合法 JSON。
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return "invalid widget json: " + e.Err.Error()
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// UnknownKindError type 判别字段不在注册表里。
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return "unknown widget type: " + e.Kind
}

// InvalidPayloadError data 与对应 schema 不符。
type InvalidPayloadError struct {
	Kind Kind
	Err  error
}

func (e *InvalidPayloadError) Error() string {
	return "invalid " + string(e.Kind) + " payload: " + e.Err.Error()
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }
