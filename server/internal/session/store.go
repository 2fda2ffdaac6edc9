package session

import (
	"context"
	"errors"

	"edu-vision/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// Store 会话快照存储。Get 返回副本，修改后需要 Save 才生效。
type Store interface {
	Get(ctx context.Context, id string) (*model.SessionState, error)
	Save(ctx context.Context, s *model.SessionState) error
	Delete(ctx context.Context, id string) error
}
