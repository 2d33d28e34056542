package scanlist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RowOutcome is the result of one delivery attempt during a re-drive.
type RowOutcome struct {
	RowKey  string  `json:"rowKey"`
	Outcome Outcome `json:"outcome"`
}

type RedriveReport struct {
	ListID      string       `json:"listId"`
	Pending     int          `json:"pending"`
	Delivered   int          `json:"delivered"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Interrupted bool         `json:"interrupted,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Results     []RowOutcome `json:"results"`
}

// Deliver sends one row to the list's sink and records the key as delivered
// only when the sink confirms it. A row that is already delivered is sent
// again; the delivered set is unaffected by the repeat.
func (s *Store) Deliver(ctx context.Context, listID, rowKey, correlationID string) (Outcome, error) {
	unlock := s.lockDelivery(listID)
	defer unlock()
	return s.deliverLocked(ctx, listID, rowKey, correlationID, false)
}

// DeliverAt delivers the row at index.
func (s *Store) DeliverAt(ctx context.Context, listID string, index int, correlationID string) (Outcome, error) {
	s.mu.RLock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.RUnlock()
		return Outcome{}, ErrNotFound
	}
	if index < 0 || index >= len(list.Rows) {
		s.mu.RUnlock()
		return Outcome{}, ErrNotFound
	}
	key := list.Rows[index].Key()
	s.mu.RUnlock()
	return s.Deliver(ctx, listID, key, correlationID)
}

// Redrive delivers every undelivered row in list order, one at a time. It
// stops early when ctx is done.
func (s *Store) Redrive(ctx context.Context, listID, correlationID string) (RedriveReport, error) {
	unlock := s.lockDelivery(listID)
	defer unlock()

	s.mu.RLock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.RUnlock()
		return RedriveReport{}, ErrNotFound
	}
	sinkURL := list.SinkURL
	keys := make([]string, 0, len(list.Rows))
	for _, row := range list.Rows {
		if !list.IsDelivered(row.Key()) {
			keys = append(keys, row.Key())
		}
	}
	s.mu.RUnlock()

	report := RedriveReport{ListID: listID, Pending: len(keys), Results: []RowOutcome{}}
	if sinkURL == "" {
		report.Reason = ReasonNoSink
		return report, nil
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		outcome, err := s.deliverLocked(ctx, listID, key, correlationID, true)
		if errors.Is(err, ErrNotFound) {
			// List deleted mid re-drive.
			report.Interrupted = true
			return report, err
		}
		report.Results = append(report.Results, RowOutcome{RowKey: key, Outcome: outcome})
		switch outcome.Status {
		case OutcomeDelivered:
			report.Delivered++
		case OutcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	s.logger.Info("redrive finished",
		zap.String("list_id", listID),
		zap.Int("pending", report.Pending),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Bool("interrupted", report.Interrupted),
		zap.String("correlation_id", correlationID),
	)
	return report, nil
}

// deliverLocked requires the list's delivery lock. The registry lock is not
// held while the sink request is in flight.
func (s *Store) deliverLocked(ctx context.Context, listID, rowKey, correlationID string, skipDelivered bool) (Outcome, error) {
	s.mu.RLock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.RUnlock()
		return Outcome{}, ErrNotFound
	}
	index := list.RowIndex(rowKey)
	sinkURL := list.SinkURL
	var req SinkRequest
	delivered := list.IsDelivered(rowKey)
	if index >= 0 {
		aligned, _ := list.Rows[index].Split(list.Columns)
		req = SinkRequest{
			URL:           sinkURL,
			Columns:       append([]string(nil), list.Columns...),
			Values:        aligned,
			CorrelationID: correlationID,
		}
	}
	s.mu.RUnlock()

	var outcome Outcome
	switch {
	case index < 0:
		outcome = Skipped(ReasonRowNotFound)
	case sinkURL == "":
		outcome = Skipped(ReasonNoSink)
	case skipDelivered && delivered:
		outcome = Skipped(ReasonAlreadyDelivered)
	}
	if outcome.Status != "" {
		return outcome, s.finishDelivery(listID, rowKey, sinkURL, correlationID, outcome, 0)
	}

	req.Timestamp = s.now()
	start := time.Now()
	outcome = s.sink.Send(ctx, req)
	return outcome, s.finishDelivery(listID, rowKey, sinkURL, correlationID, outcome, time.Since(start))
}

func (s *Store) finishDelivery(listID, rowKey, sinkURL, correlationID string, outcome Outcome, elapsed time.Duration) error {
	s.observer.ObserveDelivery(outcome, elapsed)
	fields := []zap.Field{
		zap.String("list_id", listID),
		zap.String("row_key", rowKey),
		zap.String("outcome", outcome.String()),
		zap.String("correlation_id", correlationID),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return ErrNotFound
	}
	switch outcome.Status {
	case OutcomeDelivered:
		// A sink change during the request means the confirmation belongs to
		// a configuration the list no longer has.
		if list.SinkURL != sinkURL || list.RowIndex(rowKey) < 0 {
			s.logger.Warn("delivery confirmed for stale row or sink", fields...)
			return nil
		}
		s.logger.Info("row delivered", fields...)
		if list.IsDelivered(rowKey) {
			s.recordEventLocked(list, EventDeliverySucceeded, rowKey, "", correlationID)
			return s.saveLocked()
		}
		list.DeliveredKeys[rowKey] = struct{}{}
		list.DeliveredSink = sinkURL
		s.recordEventLocked(list, EventDeliverySucceeded, rowKey, "", correlationID)
	case OutcomeFailed:
		s.logger.Warn("row delivery failed", fields...)
		s.recordEventLocked(list, EventDeliveryFailed, rowKey, outcome.Reason, correlationID)
	default:
		s.logger.Debug("row delivery skipped", fields...)
		s.recordEventLocked(list, EventDeliverySkipped, rowKey, outcome.Reason, correlationID)
	}
	return s.saveLocked()
}

func (s *Store) lockDelivery(listID string) func() {
	s.deliveryMu.Lock()
	mu, ok := s.deliveryLocks[listID]
	if !ok {
		mu = &sync.Mutex{}
		s.deliveryLocks[listID] = mu
	}
	s.deliveryMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Store) seedQueuedFromQueue() {
	snapshotter, ok := s.deliveryQueue.(deliveryQueueSnapshotter)
	if !ok {
		return
	}
	for _, task := range snapshotter.SnapshotDeliveries() {
		if strings.TrimSpace(task.ListID) == "" {
			continue
		}
		s.queued[task.id()] = struct{}{}
	}
}

// enqueueDelivery reports whether the task is waiting for a worker. A task
// already waiting is not queued twice.
func (s *Store) enqueueDelivery(task DeliveryTask) bool {
	if !task.valid() || s.deliveryQueue == nil {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	s.queueMu.Lock()
	if _, exists := s.queued[task.id()]; exists {
		s.queueMu.Unlock()
		return true
	}
	s.queued[task.id()] = struct{}{}
	s.queueMu.Unlock()
	if s.deliveryQueue.TryEnqueue(task) {
		return true
	}
	go func() {
		if !s.deliveryQueue.Enqueue(s.queueCtx, task) {
			s.queueMu.Lock()
			delete(s.queued, task.id())
			s.queueMu.Unlock()
			s.logger.Warn("delivery task dropped",
				zap.String("list_id", task.ListID),
				zap.String("row_key", task.RowKey),
				zap.Error(ErrQueueFull),
			)
		}
	}()
	return true
}

func (s *Store) deliveryWorker() {
	for {
		task, ok := s.deliveryQueue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		s.queueMu.Lock()
		delete(s.queued, task.id())
		s.queueMu.Unlock()
		s.processDelivery(task)
	}
}

func (s *Store) processDelivery(task DeliveryTask) {
	unlock := s.lockDelivery(task.ListID)
	defer unlock()
	_, err := s.deliverLocked(s.queueCtx, task.ListID, task.RowKey, task.CorrelationID, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("queued delivery failed to persist",
			zap.String("list_id", task.ListID),
			zap.String("row_key", task.RowKey),
			zap.Error(err),
		)
	}
}
