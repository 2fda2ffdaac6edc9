package timeline

import (
	"context"
	"testing"

	"edu-vision/server/internal/model"
)

// TestInMemoryStoreAppendAssignsSeq 验证 Append 方法为事件分配正确的 seq。
// 场景：连续追加两个事件，验证 seq 递增。
func TestInMemoryStoreAppendAssignsSeq(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if seq1 != 1 {
		t.Fatalf("expected seq 1, got %d", seq1)
	}

	seq2, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("expected seq 2, got %d", seq2)
	}
}

// TestInMemoryStoreAppendIdempotentByEventID 验证 Append 方法对相同 EventID 的幂等性。
// 场景：追加两个具有相同 EventID 的事件，验证返回的 seq 相同且只存储一个事件。
func TestInMemoryStoreAppendIdempotentByEventID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage, EventID: "evt-1"})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	seq2, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage, EventID: "evt-1"})
	if err != nil {
		t.Fatalf("append duplicate event: %v", err)
	}
	if seq2 != seq1 {
		t.Fatalf("expected same seq for duplicate event_id, got %d vs %d", seq1, seq2)
	}

	events, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event stored, got %d", len(events))
	}
}

// TestInMemoryStoreListReturnsCopy 验证 List 方法返回事件切片的副本，防止外部修改影响内部状态。
// 场景：修改返回的事件切片，验证内部存储未受影响。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, "s1", &model.Event{Type: model.EventUserMessage, Message: &model.Message{ID: "m1", Text: "hi"}}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	events[0].Type = "mutated"

	eventsAgain, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list events again: %v", err)
	}
	if eventsAgain[0].Type != model.EventUserMessage {
		t.Fatalf("expected internal data unchanged, got %q", eventsAgain[0].Type)
	}
}

// storeContract 内存与 Redis 实现共用的行为验收。
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	for i, typ := range []string{model.EventUserMessage, model.EventModelMessage, model.EventXPGained} {
		seq, err := store.Append(ctx, "s1", &model.Event{Type: typ, EventID: typ})
		if err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
		if seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}

	dup, err := store.Append(ctx, "s1", &model.Event{Type: model.EventModelMessage, EventID: model.EventModelMessage})
	if err != nil || dup != 2 {
		t.Fatalf("duplicate append: seq=%d err=%v", dup, err)
	}

	since, err := store.Since(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(since) != 2 || since[0].Seq != 2 || since[1].Type != model.EventXPGained {
		t.Fatalf("unexpected since result: %+v", since)
	}
	if since[0].SessionID != "s1" {
		t.Fatalf("session id not stamped: %+v", since[0])
	}

	other, _ := store.List(ctx, "s2")
	if len(other) != 0 {
		t.Fatalf("sessions must be isolated, got %d events", len(other))
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ := store.List(ctx, "s1")
	if len(all) != 0 {
		t.Fatalf("expected empty timeline after delete, got %d", len(all))
	}
	seq, _ := store.Append(ctx, "s1", &model.Event{Type: model.EventSessionReset})
	if seq != 1 {
		t.Fatalf("seq should restart after delete, got %d", seq)
	}
}

func TestInMemoryStoreContract(t *testing.T) {
	storeContract(t, NewInMemoryStore())
}
