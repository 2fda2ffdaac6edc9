package session

import (
	"context"
	"sync"

	"edu-vision/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.SessionState
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据；多实例部署用 RedisStore。
	return &InMemoryStore{data: make(map[string]*model.SessionState)}
}

// Get 根据 SessionID 获取 SessionState 的副本。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// Save 保存或更新 SessionState。
func (s *InMemoryStore) Save(_ context.Context, state *model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = state.Clone()
	return nil
}

// Delete 删除会话，不存在时返回 ErrNotFound。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}
