package record

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, err := store.Get(ctx, "member/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Put(ctx, "member/1", []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, err := store.Get(ctx, "member/1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != `{"id":"1"}` {
		t.Fatalf("unexpected value: %s", value)
	}

	// Mutating the returned slice must not affect the stored copy.
	value[0] = 'X'
	again, err := store.Get(ctx, "member/1")
	if err != nil {
		t.Fatalf("Get after mutation: %v", err)
	}
	if string(again) != `{"id":"1"}` {
		t.Fatalf("stored value was mutated: %s", again)
	}

	if err := store.Delete(ctx, "member/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "member/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Delete is idempotent.
	if err := store.Delete(ctx, "member/1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestMemoryListByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	pairs := map[string]string{
		"key/aaa":    "1",
		"key/bbb":    "2",
		"member/ccc": "3",
	}
	for k, v := range pairs {
		if err := store.Put(ctx, k, []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	records, err := store.ListByPrefix(ctx, "key/")
	if err != nil {
		t.Fatalf("ListByPrefix: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Key != "key/aaa" || records[1].Key != "key/bbb" {
		t.Fatalf("records not sorted by key: %v", records)
	}

	empty, err := store.ListByPrefix(ctx, "missing/")
	if err != nil {
		t.Fatalf("ListByPrefix(missing): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no records, got %d", len(empty))
	}
}

func TestMemoryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemory()
	if err := store.Put(ctx, "k", []byte("v")); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if _, err := store.Get(ctx, "k"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
