package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"edu-vision/server/internal/content"
	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/llm"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/prompt"
	"edu-vision/server/internal/session"
)

// Turn 一次用户提交。
type Turn struct {
	Text        string              `json:"text"`
	Images      []model.InlineImage `json:"images,omitempty"`
	Mode        model.Mode          `json:"mode"`
	ImageSize   model.ImageSize     `json:"image_size,omitempty"`
	AspectRatio model.AspectRatio   `json:"aspect_ratio,omitempty"`
}

// TurnResult 一轮结束后的结果：用户消息、模型消息（可能是错误）与奖励。
type TurnResult struct {
	User   model.Message      `json:"user"`
	Reply  model.Message      `json:"reply"`
	XPGain int                `json:"xp_gain"`
	Blocks []content.Block    `json:"blocks"`
	Stats  gamification.Stats `json:"stats"`
}

// reply 后端成功时的产出。
type reply struct {
	text   string
	image  *model.InlineImage
	video  string
	gain   int
	source string
}

// Submit 处理一次用户提交。
//
// 流程：校验输入 -> 追加用户消息（Idle->Pending）-> 按模式调用后端 ->
// 追加模型消息或错误消息（->Idle）-> 结算 XP。
// 只有输入非法、会话不存在或忙、存储失败会返回 error；后端失败体现在 Reply.IsError 上。
func (o *Orchestrator) Submit(ctx context.Context, id string, in Turn) (*TurnResult, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Mode == "" {
		in.Mode = model.ModeChat
	}
	if _, err := model.ParseMode(string(in.Mode)); err != nil {
		return nil, err
	}
	if in.Text == "" && (in.Mode != model.ModeChat || len(in.Images) == 0) {
		return nil, ErrEmptyInput
	}
	size, err := model.ParseImageSize(string(in.ImageSize))
	if err != nil {
		return nil, err
	}
	aspect, err := model.ParseAspectRatio(string(in.AspectRatio))
	if err != nil {
		return nil, err
	}
	in.ImageSize, in.AspectRatio = size, aspect

	now := o.now()
	userMsg := newMessage(model.RoleUser, in.Text, now)
	userMsg.Images = in.Images

	var (
		history  []model.Message
		settings model.UserSettings
		xp       int
	)
	marked := false
	_, err = o.mutate(ctx, id, func(state *model.SessionState) ([]model.Event, error) {
		if state.Status != model.StatusIdle {
			return nil, ErrBusy
		}
		history = append([]model.Message(nil), state.Messages...)
		settings = state.Settings
		xp = state.XP
		// 在锁内登记，Reset 据此区分在途的轮次与收尾失败遗留的 Pending。
		o.turns.Store(id, struct{}{})
		marked = true
		return []model.Event{{Type: model.EventUserMessage, Message: &userMsg}}, nil
	})
	if marked {
		defer o.turns.Delete(id)
	}
	if err != nil {
		return nil, err
	}

	log := o.log.With("session_id", id, "mode", in.Mode)
	log.Info("[Turn] submitted", "images", len(in.Images), "chars", len(in.Text))

	t := &turn{o: o, sessionID: id}
	t.ensureKey(ctx)
	out, callErr := o.dispatch(ctx, t, in, history, settings, xp)

	// 后端调用可能因客户端断开而取消，收尾写入不能跟着失败。
	finishCtx := context.WithoutCancel(ctx)
	result := &TurnResult{User: userMsg}
	replyAt := o.now()

	if callErr != nil {
		log.Warn("[Turn] backend failed", "error", callErr)
		msg := newMessage(model.RoleModel, userFacingError(callErr), replyAt)
		msg.IsError = true
		state, err := o.finish(finishCtx, id, []model.Event{{Type: model.EventModelError, Message: &msg}})
		if err != nil {
			return nil, err
		}
		recordTurn(in.Mode, true)
		result.Reply = msg
		result.Blocks = blocksFor(msg)
		result.Stats = Stats(state)
		return result, nil
	}

	msg := newMessage(model.RoleModel, out.text, replyAt)
	msg.GeneratedImage = out.image
	msg.GeneratedVideo = out.video
	events := []model.Event{{Type: model.EventModelMessage, Message: &msg}}
	if out.gain > 0 {
		n := gamification.NewNotification(out.gain, replyAt)
		events = append(events, model.Event{Type: model.EventXPGained, XPGain: out.gain, ExpiresAt: n.ExpiresAt})
	}
	state, err := o.finish(finishCtx, id, events)
	if err != nil {
		return nil, err
	}
	recordTurn(in.Mode, false)
	recordXP(out.source, out.gain)
	log.Info("[Turn] completed", "xp_gain", out.gain, "xp", state.XP)

	result.Reply = msg
	result.XPGain = out.gain
	result.Blocks = blocksFor(msg)
	result.Stats = Stats(state)
	return result, nil
}

const (
	finishAttempts   = 3
	finishRetryDelay = 200 * time.Millisecond
)

// finish 写入本轮的收尾事件（Pending->Idle）。
// 写快照失败时用同一批 EventID 重试：时间线按 EventID 幂等，已进入快照的事件跳过。
// 全部失败时会话停在 Pending，由 Reset 收拾。
func (o *Orchestrator) finish(ctx context.Context, id string, events []model.Event) (*model.SessionState, error) {
	for i := range events {
		if events[i].EventID == "" {
			events[i].EventID = uuid.NewString()
		}
	}

	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		var state *model.SessionState
		state, err = o.mutate(ctx, id, func(state *model.SessionState) ([]model.Event, error) {
			return unappliedEvents(state, events), nil
		})
		if err == nil {
			return state, nil
		}
		if errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		o.log.Warn("[Turn] finishing write failed", "session_id", id, "attempt", attempt, "error", err)
		if attempt < finishAttempts {
			if serr := o.sleep(ctx, finishRetryDelay*time.Duration(attempt)); serr != nil {
				break
			}
		}
	}
	return nil, err
}

// unappliedEvents 过滤掉快照里已经生效的收尾事件。
func unappliedEvents(state *model.SessionState, events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, evt := range events {
		if evt.EventID == state.LastEventID {
			out = out[:0]
			continue
		}
		if evt.Message != nil {
			if _, ok := state.FindMessage(evt.Message.ID); ok {
				continue
			}
		}
		out = append(out, evt)
	}
	return out
}

func (o *Orchestrator) dispatch(ctx context.Context, t *turn, in Turn, history []model.Message, settings model.UserSettings, xp int) (reply, error) {
	switch in.Mode {
	case model.ModeImageGeneration:
		img, err := call(ctx, t, "image_generation", func(ctx context.Context) (model.InlineImage, error) {
			return o.backend.GenerateImage(ctx, in.Text, in.ImageSize)
		})
		if err != nil {
			return reply{}, err
		}
		return reply{text: msgImageGenerated, image: &img, gain: o.cfg.ImageBonus, source: "image_bonus"}, nil

	case model.ModeImageEdit:
		// 没有输入图时不调用后端，直接失败。
		if len(in.Images) != 1 {
			return reply{}, ErrMissingImage
		}
		img, err := call(ctx, t, "image_edit", func(ctx context.Context) (model.InlineImage, error) {
			return o.backend.EditImage(ctx, in.Text, in.Images[0])
		})
		if err != nil {
			return reply{}, err
		}
		return reply{text: msgImageEdited, image: &img}, nil

	case model.ModeVideoGeneration:
		uri, err := o.generateVideo(ctx, t, in)
		if err != nil {
			return reply{}, err
		}
		return reply{text: msgVideoReady, video: uri, gain: o.cfg.VideoBonus, source: "video_bonus"}, nil

	default:
		req := llm.ChatRequest{
			System: o.prompts.Build(prompt.Request{Settings: settings, Stats: gamification.StatsFor(xp)}),
			Contents: append(historyContents(history), llm.Content{
				Role:  model.RoleUser,
				Parts: messageParts(in.Text, in.Images),
			}),
		}
		text, err := call(ctx, t, "chat", func(ctx context.Context) (string, error) {
			return o.backend.Chat(ctx, req)
		})
		if err != nil {
			return reply{}, err
		}
		if strings.TrimSpace(text) == "" {
			text = MsgEmptyReply
		}
		gain, _ := gamification.ExtractXPGain(text)
		return reply{text: text, gain: gain, source: "tag"}, nil
	}
}

// generateVideo 提交长任务后按固定间隔轮询，超过 MaxPolls 次仍未完成返回 ErrVideoTimeout。
func (o *Orchestrator) generateVideo(ctx context.Context, t *turn, in Turn) (string, error) {
	req := llm.VideoRequest{Prompt: in.Text, AspectRatio: in.AspectRatio}
	if len(in.Images) > 0 {
		img := in.Images[0]
		req.Image = &img
	}
	op, err := call(ctx, t, "video_start", func(ctx context.Context) (string, error) {
		return o.backend.StartVideo(ctx, req)
	})
	if err != nil {
		return "", err
	}

	for i := 0; i < o.cfg.MaxPolls; i++ {
		if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
			return "", err
		}
		recordVideoPoll()
		st, err := call(ctx, t, "video_poll", func(ctx context.Context) (llm.VideoStatus, error) {
			return o.backend.PollVideo(ctx, op)
		})
		if err != nil {
			return "", err
		}
		if st.Done {
			return st.URI, nil
		}
	}
	return "", fmt.Errorf("%w after %d polls", ErrVideoTimeout, o.cfg.MaxPolls)
}

// historyContents 把消息日志转换成后端历史：跳过错误消息与空消息，
// 开头的模型消息（欢迎语）也跳过，保证历史从用户发言开始。
// Gemini 要求 contents 以 user 轮次开头；错误消息是本地生成的提示，从来不是模型输出。
func historyContents(history []model.Message) []llm.Content {
	out := make([]llm.Content, 0, len(history))
	for _, m := range history {
		if m.IsError {
			continue
		}
		if len(out) == 0 && m.Role == model.RoleModel {
			continue
		}
		parts := messageParts(m.Text, m.Images)
		if len(parts) == 0 {
			continue
		}
		out = append(out, llm.Content{Role: m.Role, Parts: parts})
	}
	return out
}

func messageParts(text string, images []model.InlineImage) []llm.Part {
	parts := make([]llm.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, llm.ImagePart(img))
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, llm.TextPart(text))
	}
	return parts
}

// userFacingError 把失败原因映射成会话内的提示文案。
func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrMissingImage):
		return MsgMissingImage
	case llm.IsPermissionDenied(err):
		return MsgAccessDenied
	case errors.Is(err, ErrVideoTimeout):
		return MsgVideoTimeout
	default:
		return MsgGenericError
	}
}

// turn 一轮内的调用上下文：重新授权每轮最多一次。
type turn struct {
	o          *Orchestrator
	sessionID  string
	reauthUsed bool
}

// ensureKey 还没有选中 key 时先让用户选一次；选择失败不阻断本轮，交给后端调用报错。
func (t *turn) ensureKey(ctx context.Context) {
	if t.o.auth == nil || t.o.auth.HasSelectedKey(ctx) {
		return
	}
	if err := t.o.auth.SelectKey(ctx); err != nil {
		t.o.log.Warn("[Auth] no key selected", "session_id", t.sessionID, "error", err)
	}
}

// call 执行一次后端调用；遇到授权类错误时触发一次重新授权并原样重试一次。
// 第二次失败直接返回，不再重试。
func call[T any](ctx context.Context, t *turn, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := fn(ctx)
	observeBackend(op, start)
	if err == nil || !llm.IsPermissionDenied(err) || t.o.auth == nil || t.reauthUsed {
		return v, err
	}

	t.reauthUsed = true
	t.o.log.Warn("[Auth] permission denied, selecting key", "session_id", t.sessionID, "op", op)
	if serr := t.o.auth.SelectKey(ctx); serr != nil {
		recordReauth(false)
		t.o.log.Warn("[Auth] key selection failed", "session_id", t.sessionID, "error", serr)
		return v, err
	}
	recordReauth(true)

	start = time.Now()
	v, err = fn(ctx)
	observeBackend(op, start)
	return v, err
}
