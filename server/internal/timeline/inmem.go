package timeline

import (
	"context"
	"sort"
	"sync"

	"edu-vision/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]model.Event
	seq      map[string]int64
	eventIDs map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string][]model.Event),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
	}
}

// Append 追加事件到 timeline，并为该 session 分配单调递增 seq。
// 相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID != "" {
		if seq, ok := s.eventIDs[sessionID][evt.EventID]; ok {
			return seq, nil
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	s.events[sessionID] = append(s.events[sessionID], eventCopy)

	if evt.EventID != "" {
		if s.eventIDs[sessionID] == nil {
			s.eventIDs[sessionID] = make(map[string]int64)
		}
		s.eventIDs[sessionID][evt.EventID] = seq
	}
	return seq, nil
}

// List 返回某个 session 的全部 timeline 事件（按 seq 顺序），切片为副本。
func (s *InMemoryStore) List(ctx context.Context, sessionID string) ([]model.Event, error) {
	return s.Since(ctx, sessionID, 0)
}

// Since 返回 seq > after 的事件。
func (s *InMemoryStore) Since(_ context.Context, sessionID string, after int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	start := sort.Search(len(events), func(i int) bool { return events[i].Seq > after })
	out := make([]model.Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

// Delete 删除事件；seq 计数同时清零。
func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, sessionID)
	delete(s.seq, sessionID)
	delete(s.eventIDs, sessionID)
	return nil
}
