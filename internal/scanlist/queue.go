package scanlist

import (
	"context"
	"strings"
	"sync"
)

// DeliveryTask asks a worker to deliver one row of one list.
type DeliveryTask struct {
	ListID        string `json:"listId"`
	RowKey        string `json:"rowKey"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (t DeliveryTask) id() string {
	return t.ListID + "|" + t.RowKey
}

func (t DeliveryTask) valid() bool {
	return strings.TrimSpace(t.ListID) != "" && strings.TrimSpace(t.RowKey) != ""
}

type DeliveryQueue interface {
	TryEnqueue(task DeliveryTask) bool
	Enqueue(ctx context.Context, task DeliveryTask) bool
	Dequeue(ctx context.Context) (DeliveryTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type deliveryQueueSnapshotter interface {
	SnapshotDeliveries() []DeliveryTask
}

type inMemoryDeliveryQueue struct {
	ch    chan DeliveryTask
	items map[string]DeliveryTask
	mu    sync.Mutex
}

func NewInMemoryDeliveryQueue(capacity int) DeliveryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryDeliveryQueue{
		ch:    make(chan DeliveryTask, capacity),
		items: make(map[string]DeliveryTask),
	}
}

func (q *inMemoryDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[task.id()] = task
		q.mu.Unlock()
		return true
	default:
		return false
	}
}

func (q *inMemoryDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[task.id()] = task
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	if q == nil {
		return DeliveryTask{}, false
	}
	select {
	case task := <-q.ch:
		q.mu.Lock()
		delete(q.items, task.id())
		q.mu.Unlock()
		return task, true
	case <-ctx.Done():
		return DeliveryTask{}, false
	}
}

func (q *inMemoryDeliveryQueue) SnapshotDeliveries() []DeliveryTask {
	if q == nil {
		return []DeliveryTask{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]DeliveryTask, 0, len(q.items))
	for _, item := range q.items {
		result = append(result, item)
	}
	return result
}

func (q *inMemoryDeliveryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryDeliveryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryDeliveryQueue) Close() error {
	return nil
}
