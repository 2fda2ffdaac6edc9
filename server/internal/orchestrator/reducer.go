package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/model"
)

// ErrInvalidTransition 事件与当前状态不匹配（例如 Pending 时再提交）。
var ErrInvalidTransition = errors.New("invalid state transition")

// CheckTransition 只校验，不修改 state。
func CheckTransition(state *model.SessionState, evt model.Event) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidTransition)
	}
	switch evt.Type {
	case model.EventUserMessage:
		if state.Status != model.StatusIdle {
			return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, evt.Type, state.Status)
		}
		if evt.Message == nil || evt.Message.Role != model.RoleUser {
			return fmt.Errorf("%w: %s needs a user message", ErrInvalidTransition, evt.Type)
		}
	case model.EventModelMessage, model.EventModelError:
		if state.Status != model.StatusPending {
			return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, evt.Type, state.Status)
		}
		if evt.Message == nil || evt.Message.Role != model.RoleModel {
			return fmt.Errorf("%w: %s needs a model message", ErrInvalidTransition, evt.Type)
		}
	case model.EventSessionReset:
		if state.Status != model.StatusIdle {
			return fmt.Errorf("%w: reset while %s", ErrInvalidTransition, state.Status)
		}
	case model.EventSettingsUpdated:
		if evt.Settings == nil {
			return fmt.Errorf("%w: %s without settings", ErrInvalidTransition, evt.Type)
		}
	case model.EventXPGained:
		if evt.XPGain < 0 {
			return fmt.Errorf("%w: negative xp gain", ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidTransition, evt.Type)
	}
	return nil
}

// Reduce 只做“事实归约”，不触发外部调用；是 SessionState 唯一的修改入口。
//
// 状态机：Idle --user_message--> Pending --model_message|model_error--> Idle。
// 消息只追加；reset 只能在 Idle 下发生；XP 只增不减。
func Reduce(state *model.SessionState, evt model.Event, now time.Time) error {
	if err := CheckTransition(state, evt); err != nil {
		return err
	}

	switch evt.Type {
	case model.EventUserMessage:
		state.Messages = append(state.Messages, *evt.Message)
		state.Status = model.StatusPending
	case model.EventModelMessage:
		state.Messages = append(state.Messages, *evt.Message)
		state.Status = model.StatusIdle
	case model.EventModelError:
		msg := *evt.Message
		msg.IsError = true
		state.Messages = append(state.Messages, msg)
		state.Status = model.StatusIdle
	case model.EventXPGained:
		state.XP = gamification.Award(state.XP, evt.XPGain)
		state.LastXPGain = evt.XPGain
		state.XPGainUntil = evt.ExpiresAt
		if state.XPGainUntil.IsZero() {
			state.XPGainUntil = gamification.NewNotification(evt.XPGain, now).ExpiresAt
		}
	case model.EventSettingsUpdated:
		state.Settings = *evt.Settings
	case model.EventSessionReset:
		state.Messages = state.Messages[:0:0]
		if evt.Message != nil {
			state.Messages = append(state.Messages, *evt.Message)
		}
		state.XP = 0
		state.LastXPGain = 0
		state.XPGainUntil = time.Time{}
	}

	if evt.EventID != "" {
		state.LastEventID = evt.EventID
	}
	state.UpdatedAt = now
	return nil
}
