package timeline

import (
	"context"

	"edu-vision/server/internal/model"
)

type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 EventID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// List 返回该 session 的全量事件，用于回放与验收。
	List(ctx context.Context, sessionID string) ([]model.Event, error)
	// Since 返回 seq 大于 after 的事件，用于断线重连后补发。
	Since(ctx context.Context, sessionID string, after int64) ([]model.Event, error)
	// Delete 删除该 session 的全部事件。
	Delete(ctx context.Context, sessionID string) error
}
