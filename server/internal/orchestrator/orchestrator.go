package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"edu-vision/server/internal/content"
	"edu-vision/server/internal/domain"
	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/llm"
	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/prompt"
	"edu-vision/server/internal/session"
	"edu-vision/server/internal/timeline"
)

var (
	// ErrBusy 会话已有一个请求在处理中，新的提交被拒绝而不是排队。
	ErrBusy = errors.New("session is busy")
	// ErrEmptyInput 没有文字也没有图片。
	ErrEmptyInput = errors.New("empty input")
	// ErrMissingImage 改图模式需要恰好一张输入图。
	ErrMissingImage = errors.New("image edit needs exactly one image")
	// ErrVideoTimeout 视频任务在轮询上限内没有完成。
	ErrVideoTimeout = errors.New("video generation did not finish in time")
	// ErrMessageNotFound 会话里没有该消息。
	ErrMessageNotFound = errors.New("message not found")
	// ErrNothingToSpeak 清洗后没有可朗读的文字。
	ErrNothingToSpeak = errors.New("nothing to speak")
)

// 会话内展示给用户的错误文案。
const (
	MsgGenericError   = "I encountered an error processing your request. Please check your connection or API key."
	MsgAccessDenied   = "Access denied by the AI service. Please select a valid API key and try again."
	MsgMissingImage   = "Image editing needs exactly one attached image. Attach an image and try again."
	MsgEmptyReply     = "I'm sorry, I couldn't generate a response. Please try again."
	MsgVideoTimeout   = "The video is taking too long to generate. Please try again later."
	msgImageGenerated = "Here is your generated image."
	msgImageEdited    = "Here is your edited image."
	msgVideoReady     = "Your video is ready."
)

// Authorizer 外部的重新授权能力：检查是否已选 key，并让用户重新选择。
type Authorizer interface {
	HasSelectedKey(ctx context.Context) bool
	SelectKey(ctx context.Context) error
}

// Publisher 接收已落盘的事件（例如推给 WebSocket 订阅者）。
type Publisher interface {
	Publish(sessionID string, evt model.Event)
}

// Config 编排器的可调参数。
type Config struct {
	ImageBonus     int
	VideoBonus     int
	PollInterval   time.Duration
	MaxPolls       int
	WelcomeMessage string
}

// Deps 构造 Orchestrator 所需的协作者；Backend 与 Store 之外均可为空。
type Deps struct {
	Store     session.Store
	Timeline  timeline.Store
	Backend   llm.Backend
	Auth      Authorizer
	Prompts   *prompt.Builder
	Catalog   *domain.Catalog
	Publisher Publisher
	Logger    *logger.Logger
	Config    Config
	Now       func() time.Time
	// Sleep 视频轮询的等待函数，测试里替换为立即返回。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator 负责处理会话事件的编排逻辑。
//
// 职责与契约：
// - append-first：任何事实先写 Timeline，再做 reduce，保证可回放与幂等。
// - 同一会话同一时刻最多一个请求在途（Pending），并发提交直接拒绝。
// - 后端失败不向上抛：总是以一条 IsError 的模型消息结束本轮并回到 Idle。
type Orchestrator struct {
	store     session.Store
	timeline  timeline.Store
	backend   llm.Backend
	auth      Authorizer
	prompts   *prompt.Builder
	catalog   domain.Catalog
	publisher Publisher
	log       *logger.Logger
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	locks sync.Map // sessionID -> *sync.Mutex
	turns sync.Map // sessionID -> struct{}，本进程内在途的轮次
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:     d.Store,
		timeline:  d.Timeline,
		backend:   d.Backend,
		auth:      d.Auth,
		prompts:   d.Prompts,
		publisher: d.Publisher,
		log:       d.Logger,
		cfg:       d.Config,
		now:       d.Now,
		sleep:     d.Sleep,
	}
	if o.timeline == nil {
		o.timeline = timeline.NewInMemoryStore()
	}
	if o.prompts == nil {
		o.prompts = prompt.Default()
	}
	if d.Catalog != nil {
		o.catalog = *d.Catalog
	} else {
		o.catalog = domain.DefaultCatalog()
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.cfg.PollInterval <= 0 {
		o.cfg.PollInterval = 5 * time.Second
	}
	if o.cfg.MaxPolls <= 0 {
		o.cfg.MaxPolls = 60
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Catalog 当前可选的设置菜单。
func (o *Orchestrator) Catalog() domain.Catalog {
	return o.catalog
}

// CreateSession 创建新会话，消息日志里只有一条欢迎语。
func (o *Orchestrator) CreateSession(ctx context.Context, settings model.UserSettings) (*model.SessionState, error) {
	settings, err := o.catalog.ValidateSettings(settings)
	if err != nil {
		return nil, err
	}
	now := o.now()
	state := &model.SessionState{
		SessionID: uuid.NewString(),
		Status:    model.StatusIdle,
		Settings:  settings,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w := o.welcome(now); w != nil {
		state.Messages = append(state.Messages, *w)
	}
	if err := o.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	o.log.Info("[Session] created", "session_id", state.SessionID, "grade", settings.GradeLevel, "language", settings.Language)
	return state, nil
}

// Session 读取会话快照。
func (o *Orchestrator) Session(ctx context.Context, id string) (*model.SessionState, error) {
	return o.store.Get(ctx, id)
}

// DeleteSession 删除会话快照与时间线。
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := o.timeline.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete timeline: %w", err)
	}
	o.locks.Delete(id)
	o.turns.Delete(id)
	return nil
}

// Events 返回 seq 大于 after 的时间线事件，用于断线补发。
func (o *Orchestrator) Events(ctx context.Context, id string, after int64) ([]model.Event, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.timeline.Since(ctx, id, after)
}

// UpdateSettings 更新设置；Pending 时也允许，新设置从下一轮开始生效。
func (o *Orchestrator) UpdateSettings(ctx context.Context, id string, settings model.UserSettings) (*model.SessionState, error) {
	settings, err := o.catalog.ValidateSettings(settings)
	if err != nil {
		return nil, err
	}
	return o.mutate(ctx, id, func(*model.SessionState) ([]model.Event, error) {
		return []model.Event{{Type: model.EventSettingsUpdated, Settings: &settings}}, nil
	})
}

// Reset 清空对话与 XP，只在 Idle 下允许。
// 会话停在 Pending 但本进程没有在途的轮次时（上一轮收尾写入失败），先补一条错误消息回到 Idle 再重置。
func (o *Orchestrator) Reset(ctx context.Context, id string) (*model.SessionState, error) {
	state, err := o.mutate(ctx, id, func(state *model.SessionState) ([]model.Event, error) {
		var events []model.Event
		if state.Status != model.StatusIdle {
			if _, inFlight := o.turns.Load(id); inFlight {
				return nil, ErrBusy
			}
			o.log.Warn("[Session] closing stale pending turn before reset", "session_id", id)
			msg := newMessage(model.RoleModel, MsgGenericError, o.now())
			events = append(events, model.Event{Type: model.EventModelError, Message: &msg})
		}
		return append(events, model.Event{Type: model.EventSessionReset, Message: o.welcome(o.now())}), nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("[Session] reset", "session_id", id)
	return state, nil
}

// Blocks 把一条消息切分成渲染用的内容块。模型消息走解析器，其余整段作为文本。
func (o *Orchestrator) Blocks(ctx context.Context, id, messageID string) ([]content.Block, error) {
	state, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msg, ok := state.FindMessage(messageID)
	if !ok {
		return nil, ErrMessageNotFound
	}
	return blocksFor(msg), nil
}

func blocksFor(msg model.Message) []content.Block {
	if msg.Role != model.RoleModel || msg.IsError {
		return []content.Block{{Type: content.BlockText, Text: msg.Text}}
	}
	return content.Parse(msg.Text)
}

// Speak 把一条消息清洗后合成语音。失败只返回给调用方，不写入对话。
func (o *Orchestrator) Speak(ctx context.Context, id, messageID string) (llm.Audio, error) {
	state, err := o.store.Get(ctx, id)
	if err != nil {
		return llm.Audio{}, err
	}
	msg, ok := state.FindMessage(messageID)
	if !ok {
		return llm.Audio{}, ErrMessageNotFound
	}
	text := content.Speakable(msg.Text)
	if text == "" {
		return llm.Audio{}, ErrNothingToSpeak
	}

	t := &turn{o: o, sessionID: id}
	audio, err := call(ctx, t, "speech", func(ctx context.Context) (llm.Audio, error) {
		return o.backend.Synthesize(ctx, text)
	})
	recordSpeech(err)
	if err != nil {
		o.log.Warn("[Speech] synthesis failed", "session_id", id, "message_id", messageID, "error", err)
		return llm.Audio{}, fmt.Errorf("synthesize speech: %w", err)
	}
	return audio, nil
}

// Stats 由会话 XP 推导等级与段位。
func Stats(state *model.SessionState) gamification.Stats {
	return gamification.StatsFor(state.XP)
}

// mutate 在会话锁内读取快照，按 build 生成事件并依次 append-first 落盘。
func (o *Orchestrator) mutate(ctx context.Context, id string, build func(*model.SessionState) ([]model.Event, error)) (*model.SessionState, error) {
	unlock := o.lock(id)
	defer unlock()

	state, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := build(state)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if err := o.apply(ctx, state, evt); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// apply 校验 -> 写 Timeline -> 归约 -> 存快照 -> 推送。
func (o *Orchestrator) apply(ctx context.Context, state *model.SessionState, evt model.Event) error {
	if err := CheckTransition(state, evt); err != nil {
		return err
	}

	now := o.now()
	evt.SessionID = state.SessionID
	evt.ServerTS = now
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}

	// append-first：先写事实，再归约快照，避免“说了但没记”。
	seq, err := o.timeline.Append(ctx, state.SessionID, &evt)
	if err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	evt.Seq = seq

	if err := Reduce(state, evt, now); err != nil {
		return err
	}
	if err := o.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if o.publisher != nil {
		o.publisher.Publish(state.SessionID, evt)
	}
	return nil
}

func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) welcome(now time.Time) *model.Message {
	text := strings.TrimSpace(o.cfg.WelcomeMessage)
	if text == "" {
		return nil
	}
	msg := newMessage(model.RoleModel, o.cfg.WelcomeMessage, now)
	return &msg
}

// newMessage 使用时间有序的 UUIDv7 作为消息 ID。
func newMessage(role model.Role, text string, now time.Time) model.Message {
	return model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Text:      text,
		Timestamp: now,
	}
}
