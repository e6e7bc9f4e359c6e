package remote

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func revertTask(id string) Task {
	return Task{ID: id, Kind: TaskRevert, ServiceID: "svc-" + id, Level: "INFO"}
}

func TestTaskValid(t *testing.T) {
	if !revertTask("a").Valid() {
		t.Fatalf("expected revert task to be valid")
	}
	if (Task{ID: "a", Kind: TaskApply, ServiceID: "svc"}).Valid() {
		t.Fatalf("expected apply task without level to be invalid")
	}
	if !(Task{ID: "a", Kind: TaskApply, ServiceID: "svc", Level: "DEBUG", DurationMs: 1000}).Valid() {
		t.Fatalf("expected complete apply task to be valid")
	}
	if (Task{ID: "a", Kind: "bounce", ServiceID: "svc"}).Valid() {
		t.Fatalf("expected unknown kind to be invalid")
	}
}

func TestInMemoryQueueCapacity(t *testing.T) {
	q := NewInMemoryQueue(1)
	if !q.TryEnqueue(revertTask("a")) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if q.TryEnqueue(revertTask("b")) {
		t.Fatalf("expected enqueue beyond capacity to fail")
	}
	if q.Depth() != 1 || q.Capacity() != 1 {
		t.Fatalf("unexpected depth/capacity %d/%d", q.Depth(), q.Capacity())
	}
	if got := q.Snapshot(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	task, ok := q.Dequeue(context.Background())
	if !ok || task.ID != "a" {
		t.Fatalf("unexpected dequeue %+v ok=%v", task, ok)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue on empty queue to stop with context")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "remote.json")
	q, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !q.Enqueue(context.Background(), revertTask(id)) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	if task, ok := q.Dequeue(context.Background()); !ok || task.ID != "a" {
		t.Fatalf("unexpected dequeue %+v ok=%v", task, ok)
	}

	reopened, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected 2 persisted tasks, got %d", reopened.Depth())
	}
	if task, ok := reopened.Dequeue(context.Background()); !ok || task.ID != "b" {
		t.Fatalf("expected FIFO order after reopen, got %+v", task)
	}
}

func TestFileQueueTrimsToCapacityOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.json")
	q, err := NewFileQueue(path, 4)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		q.TryEnqueue(revertTask(id))
	}
	smaller, err := NewFileQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	got := smaller.Snapshot()
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "d" {
		t.Fatalf("expected newest tasks kept, got %+v", got)
	}
}

func TestBuildQueueFromDSN(t *testing.T) {
	q, err := BuildQueueFromDSN("", 3)
	if err != nil || q.Capacity() != 3 {
		t.Fatalf("expected in-memory queue for empty dsn, got %v err=%v", q, err)
	}
	fileQ, err := BuildQueueFromDSN("file://"+filepath.Join(t.TempDir(), "q.json"), 5)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if fileQ.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", fileQ.Capacity())
	}
	if _, err := BuildQueueFromDSN("sqs://queue", 1); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
