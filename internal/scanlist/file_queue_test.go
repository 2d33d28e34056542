package scanlist

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileDeliveryQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delivery-queue.json")
	queue, err := NewFileDeliveryQueue(path, 4)
	if err != nil {
		t.Fatalf("new file delivery queue failed: %v", err)
	}
	if !queue.TryEnqueue(DeliveryTask{ListID: "list_1", RowKey: "2024-01-01T10:00:00"}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if !queue.TryEnqueue(DeliveryTask{ListID: "list_1", RowKey: "2024-01-01T10:00:01"}) {
		t.Fatalf("expected second enqueue to succeed")
	}

	reopened, err := NewFileDeliveryQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file delivery queue failed: %v", err)
	}
	if snapshot := reopened.(deliveryQueueSnapshotter).SnapshotDeliveries(); len(snapshot) != 2 {
		t.Fatalf("expected 2 pending tasks after reopen, got %d", len(snapshot))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.RowKey != "2024-01-01T10:00:00" {
		t.Fatalf("expected first task in order, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.RowKey != "2024-01-01T10:00:01" {
		t.Fatalf("expected second task in order, got %+v (ok=%v)", second, ok)
	}
}

func TestFileDeliveryQueueCapacityAndTimeout(t *testing.T) {
	queue, err := NewFileDeliveryQueue(filepath.Join(t.TempDir(), "cap.json"), 1)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(DeliveryTask{ListID: "l", RowKey: "k1"}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(DeliveryTask{ListID: "l", RowKey: "k2"}) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	if queue.TryEnqueue(DeliveryTask{ListID: "l"}) {
		t.Fatalf("expected task without row key to be rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}

func TestInMemoryDeliveryQueueSnapshot(t *testing.T) {
	queue := NewInMemoryDeliveryQueue(2)
	task := DeliveryTask{ListID: "l", RowKey: "k"}
	if !queue.TryEnqueue(task) {
		t.Fatalf("expected enqueue to succeed")
	}
	if got := queue.(deliveryQueueSnapshotter).SnapshotDeliveries(); len(got) != 1 || got[0] != task {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if got, ok := queue.Dequeue(ctx); !ok || got != task {
		t.Fatalf("expected task back, got %+v", got)
	}
	if queue.Depth() != 0 || queue.Capacity() != 2 {
		t.Fatalf("unexpected depth/capacity %d/%d", queue.Depth(), queue.Capacity())
	}
}

func TestStoreSeedsQueuedIndexFromDurableQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	queue, err := NewFileDeliveryQueue(path, 8)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	task := DeliveryTask{ListID: "list_x", RowKey: "2024-01-01T00:00:00"}
	queue.TryEnqueue(task)

	store := newTestStore(t, StoreOptions{DeliveryQueue: queue})
	if !store.enqueueDelivery(task) {
		t.Fatalf("expected already-queued task to report queued")
	}
	if depth := store.QueueDepth(); depth != 1 {
		t.Fatalf("expected the duplicate not to be queued twice, depth %d", depth)
	}
}
