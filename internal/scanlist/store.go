package scanlist

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventRowAppended       = "row.appended"
	EventRowDeleted        = "row.deleted"
	EventRowUpdated        = "row.updated"
	EventDeliverySucceeded = "delivery.succeeded"
	EventDeliveryFailed    = "delivery.failed"
	EventDeliverySkipped   = "delivery.skipped"
	EventListUpdated       = "list.updated"

	defaultMaxEventsPerList = 200
)

// Observer receives capture and delivery signals, typically to feed metrics.
type Observer interface {
	ObserveCapture(source string)
	ObserveDelivery(outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveCapture(string)                  {}
func (nopObserver) ObserveDelivery(Outcome, time.Duration) {}

type StoreOptions struct {
	StateFile        string
	StateBackend     StateBackend
	Sink             Sink
	DeliveryQueue    DeliveryQueue
	DeliveryWorkers  int
	DisableWorkers   bool
	BackendProfile   string
	MaxEventsPerList int
	Logger           *zap.Logger
	Observer         Observer
	Location         *time.Location
	Now              func() time.Time
}

// AppendResult describes a row that was durably appended to a list.
type AppendResult struct {
	ListID   string   `json:"listId"`
	RowIndex int      `json:"rowIndex"`
	Key      string   `json:"key"`
	Row      Row      `json:"row"`
	Columns  []string `json:"columns"`
	Extra    []string `json:"extra,omitempty"`
	Delivery string   `json:"delivery"`
}

const (
	DeliveryQueued  = "queued"
	DeliveryPending = "pending"
	DeliveryNoSink  = "no_sink"
)

type BackendStatus struct {
	BackendProfile     string `json:"backendProfile,omitempty"`
	StateBackend       string `json:"stateBackend"`
	DeliveryQueue      string `json:"deliveryQueue"`
	DeliveryQueueDepth int    `json:"deliveryQueueDepth"`
	DeliveryQueueCap   int    `json:"deliveryQueueCapacity"`
	Lists              int    `json:"lists"`
}

// Store is the list registry. Every mutating command persists the whole
// registry through the state backend before it returns.
type Store struct {
	mu           sync.RWMutex
	lists        map[string]*List
	eventCounter uint64
	stateBackend StateBackend

	sink          Sink
	deliveryQueue DeliveryQueue
	queueMu       sync.Mutex
	queued        map[string]struct{}
	deliveryMu    sync.Mutex
	deliveryLocks map[string]*sync.Mutex

	backendProfile string
	maxEvents      int
	logger         *zap.Logger
	observer       Observer
	location       *time.Location
	now            func() time.Time

	// loadErr is set when the persisted state could not be read. Saves are
	// refused while it is set so the unreadable state is never overwritten.
	loadErr error

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type persistedState struct {
	EventCounter uint64           `json:"eventCounter"`
	Lists        map[string]*List `json:"lists"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	queue := opts.DeliveryQueue
	if queue == nil {
		queue = NewInMemoryDeliveryQueue(1024)
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewHTTPSink(SinkOptions{})
	}
	workers := opts.DeliveryWorkers
	if workers <= 0 {
		workers = 1
	}
	maxEvents := opts.MaxEventsPerList
	if maxEvents <= 0 {
		maxEvents = defaultMaxEventsPerList
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	profile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if profile == "" {
		profile = "custom"
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	s := &Store{
		lists:          map[string]*List{},
		stateBackend:   stateBackend,
		sink:           sink,
		deliveryQueue:  queue,
		queued:         map[string]struct{}{},
		deliveryLocks:  map[string]*sync.Mutex{},
		backendProfile: profile,
		maxEvents:      maxEvents,
		logger:         logger,
		observer:       observer,
		location:       location,
		now:            now,
		closed:         make(chan struct{}),
		queueCtx:       queueCtx,
		queueCancel:    queueCancel,
	}
	s.seedQueuedFromQueue()
	if err := s.load(); err != nil {
		s.loadErr = err
		logger.Error("failed to load state", zap.Error(err))
	}
	if !opts.DisableWorkers {
		s.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer s.wg.Done()
				s.deliveryWorker()
			}()
		}
	}
	return s
}

// LoadError reports why the persisted state could not be read at startup.
// While it is non-nil every mutation fails with ErrStorage.
func (s *Store) LoadError() error {
	return s.loadErr
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queueCancel()
		s.wg.Wait()
		if s.deliveryQueue != nil {
			_ = s.deliveryQueue.Close()
		}
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) CreateList(name string) (List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, fmt.Errorf("%w: list name is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	list := &List{
		ID:            "list_" + uuid.NewString(),
		Name:          name,
		Columns:       []string{},
		Rows:          []Row{},
		CreatedAt:     now,
		ModifiedAt:    now,
		DeliveredKeys: map[string]struct{}{},
	}
	s.lists[list.ID] = list
	if err := s.saveLocked(); err != nil {
		return *list.clone(), err
	}
	return *list.clone(), nil
}

// DeleteList removes a list together with its rows and delivered keys.
func (s *Store) DeleteList(listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[listID]; !ok {
		return ErrNotFound
	}
	delete(s.lists, listID)
	s.deliveryMu.Lock()
	delete(s.deliveryLocks, listID)
	s.deliveryMu.Unlock()
	return s.saveLocked()
}

func (s *Store) RenameList(listID, name string) (List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, fmt.Errorf("%w: list name is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	list.Name = name
	s.touchLocked(list)
	s.recordEventLocked(list, EventListUpdated, "", "renamed", "")
	err := s.saveLocked()
	return *list.clone(), err
}

// SetColumns replaces the column set. Names are trimmed; blank and repeated
// names are dropped. Existing rows are not realigned.
func (s *Store) SetColumns(listID string, columns []string) (List, error) {
	normalized := normalizeColumns(columns)
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	if len(normalized) == 0 && len(list.Rows) > 0 {
		return List{}, fmt.Errorf("%w: a list with rows needs at least one column", ErrInvalidInput)
	}
	list.Columns = normalized
	s.touchLocked(list)
	s.recordEventLocked(list, EventListUpdated, "", "columns updated", "")
	err := s.saveLocked()
	return *list.clone(), err
}

// UpdateSettings changes the sink and recipient. Delivered markers belong to
// the sink they were confirmed by, so a new sink URL clears them.
func (s *Store) UpdateSettings(listID string, settings Settings) (List, error) {
	sinkURL := strings.TrimSpace(settings.SinkURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	if sinkURL != list.SinkURL {
		list.SinkURL = sinkURL
		list.DeliveredKeys = map[string]struct{}{}
		list.DeliveredSink = sinkURL
	}
	list.Recipient = Recipient{
		Name:  strings.TrimSpace(settings.Recipient.Name),
		Email: strings.TrimSpace(settings.Recipient.Email),
		Phone: strings.TrimSpace(settings.Recipient.Phone),
	}
	s.touchLocked(list)
	s.recordEventLocked(list, EventListUpdated, "", "settings updated", "")
	err := s.saveLocked()
	return *list.clone(), err
}

// AppendRow stamps the current date and time onto fields and appends the row.
func (s *Store) AppendRow(listID string, fields []string, correlationID string) (AppendResult, error) {
	s.mu.Lock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.Unlock()
		return AppendResult{}, ErrNotFound
	}
	if len(list.Columns) == 0 {
		s.mu.Unlock()
		return AppendResult{}, fmt.Errorf("%w: columns must be defined before adding rows", ErrInvalidInput)
	}
	result, err := s.appendLocked(list, fields, correlationID)
	s.mu.Unlock()
	return s.afterAppend(result, "api", correlationID), err
}

// Capture resolves a decoded scan against the list's columns, adopting the
// payload's columns when the list has none, and appends the row.
func (s *Store) Capture(listID, payload, correlationID string) (AppendResult, error) {
	return s.capture(listID, payload, correlationID, "scan")
}

func (s *Store) CaptureFrom(source, listID, payload, correlationID string) (AppendResult, error) {
	return s.capture(listID, payload, correlationID, source)
}

func (s *Store) capture(listID, payload, correlationID, source string) (AppendResult, error) {
	if strings.TrimSpace(payload) == "" {
		return AppendResult{}, fmt.Errorf("%w: payload is empty", ErrInvalidInput)
	}
	s.mu.Lock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.Unlock()
		return AppendResult{}, ErrNotFound
	}
	columns, values := Resolve(payload, list.Columns)
	if len(columns) == 0 {
		s.mu.Unlock()
		return AppendResult{}, fmt.Errorf("%w: payload has no fields", ErrInvalidInput)
	}
	if len(list.Columns) == 0 {
		list.Columns = columns
	}
	result, err := s.appendLocked(list, values, correlationID)
	s.mu.Unlock()
	return s.afterAppend(result, source, correlationID), err
}

// PreviewCapture opens the correction path for a payload without storing it.
func (s *Store) PreviewCapture(listID, payload string) (Draft, error) {
	if strings.TrimSpace(payload) == "" {
		return Draft{}, fmt.Errorf("%w: payload is empty", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.lists[listID]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return Preview(payload, list.Columns), nil
}

// CommitDraft appends an edited draft, extending the columns with any new keys.
func (s *Store) CommitDraft(listID string, draft Draft, correlationID string) (AppendResult, error) {
	s.mu.Lock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.Unlock()
		return AppendResult{}, ErrNotFound
	}
	columns, values := Commit(draft, list.Columns)
	if len(columns) == 0 {
		s.mu.Unlock()
		return AppendResult{}, fmt.Errorf("%w: draft has no keys", ErrInvalidInput)
	}
	list.Columns = columns
	result, err := s.appendLocked(list, values, correlationID)
	s.mu.Unlock()
	return s.afterAppend(result, "draft", correlationID), err
}

// AddManual appends typed values, one per column. Values are trimmed and may
// be empty.
func (s *Store) AddManual(listID string, values []string, correlationID string) (AppendResult, error) {
	s.mu.Lock()
	list, ok := s.lists[listID]
	if !ok {
		s.mu.Unlock()
		return AppendResult{}, ErrNotFound
	}
	if len(list.Columns) == 0 {
		s.mu.Unlock()
		return AppendResult{}, fmt.Errorf("%w: columns must be defined before adding rows manually", ErrInvalidInput)
	}
	if len(values) > len(list.Columns) {
		s.mu.Unlock()
		return AppendResult{}, fmt.Errorf("%w: %d values for %d columns", ErrInvalidInput, len(values), len(list.Columns))
	}
	fields := make([]string, len(list.Columns))
	for i := range values {
		fields[i] = strings.TrimSpace(values[i])
	}
	result, err := s.appendLocked(list, fields, correlationID)
	s.mu.Unlock()
	return s.afterAppend(result, "manual", correlationID), err
}

func (s *Store) appendLocked(list *List, fields []string, correlationID string) (AppendResult, error) {
	stamp := s.now().In(s.location)
	row := Row{
		Date:   stamp.Format(DateLayout),
		Time:   stamp.Format(TimeLayout),
		Fields: append([]string{}, fields...),
	}
	list.Rows = append(list.Rows, row)
	s.touchLocked(list)
	s.recordEventLocked(list, EventRowAppended, row.Key(), "", correlationID)
	_, extra := row.Split(list.Columns)
	result := AppendResult{
		ListID:   list.ID,
		RowIndex: len(list.Rows) - 1,
		Key:      row.Key(),
		Row:      row.clone(),
		Columns:  append([]string{}, list.Columns...),
		Extra:    extra,
		Delivery: DeliveryNoSink,
	}
	if list.SinkURL != "" {
		result.Delivery = DeliveryPending
	}
	return result, s.saveLocked()
}

// afterAppend runs outside the registry lock. Local capture has already
// succeeded; delivery is best effort from here on.
func (s *Store) afterAppend(result AppendResult, source, correlationID string) AppendResult {
	if result.Key == "" {
		return result
	}
	s.observer.ObserveCapture(source)
	if result.Delivery != DeliveryPending {
		return result
	}
	if s.enqueueDelivery(DeliveryTask{ListID: result.ListID, RowKey: result.Key, CorrelationID: correlationID}) {
		result.Delivery = DeliveryQueued
	}
	return result
}

// DeleteRow removes the row at index and forgets its delivered marker so a
// later row with the same key starts undelivered.
func (s *Store) DeleteRow(listID string, index int, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return ErrNotFound
	}
	if index < 0 || index >= len(list.Rows) {
		return fmt.Errorf("%w: row index %d out of range", ErrNotFound, index)
	}
	key := list.Rows[index].Key()
	list.Rows = append(list.Rows[:index], list.Rows[index+1:]...)
	delete(list.DeliveredKeys, key)
	s.touchLocked(list)
	s.recordEventLocked(list, EventRowDeleted, key, "", correlationID)
	return s.saveLocked()
}

// UpdateCell replaces one field value in place. Delivery status is untouched.
func (s *Store) UpdateCell(listID string, index, field int, value, correlationID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return Row{}, ErrNotFound
	}
	if index < 0 || index >= len(list.Rows) {
		return Row{}, fmt.Errorf("%w: row index %d out of range", ErrNotFound, index)
	}
	row := &list.Rows[index]
	width := len(row.Fields)
	if len(list.Columns) > width {
		width = len(list.Columns)
	}
	if field < 0 || field >= width {
		return Row{}, fmt.Errorf("%w: field index %d out of range", ErrInvalidInput, field)
	}
	// Rows captured before a column existed are padded up to the edited cell.
	for len(row.Fields) <= field {
		row.Fields = append(row.Fields, "")
	}
	row.Fields[field] = value
	s.touchLocked(list)
	s.recordEventLocked(list, EventRowUpdated, row.Key(), "field "+strconv.Itoa(field), correlationID)
	return row.clone(), s.saveLocked()
}

// MarkDelivered records a confirmed delivery of rowKey. Adding a key twice is
// a no-op.
func (s *Store) MarkDelivered(listID, rowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return ErrNotFound
	}
	return s.markDeliveredLocked(list, rowKey)
}

func (s *Store) markDeliveredLocked(list *List, rowKey string) error {
	if list.IsDelivered(rowKey) {
		return nil
	}
	if list.DeliveredKeys == nil {
		list.DeliveredKeys = map[string]struct{}{}
	}
	list.DeliveredKeys[rowKey] = struct{}{}
	list.DeliveredSink = list.SinkURL
	return s.saveLocked()
}

func (s *Store) GetList(listID string) (List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	return *list.clone(), nil
}

// ListLists returns every list, most recently modified first.
func (s *Store) ListLists() []List {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]List, 0, len(s.lists))
	for _, list := range s.lists {
		out = append(out, *list.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out
}

func (s *Store) GetEvents(listID, cursor string, limit int) (EventFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.lists[listID]
	if !ok {
		return EventFeed{}, ErrNotFound
	}
	if limit <= 0 {
		limit = 200
	}
	events := list.Events
	start := 0
	if cursor != "" {
		after := eventIDSeq(cursor)
		start = len(events)
		for i := range events {
			if eventIDSeq(events[i].EventID) > after {
				start = i
				break
			}
		}
	}
	if start >= len(events) {
		return EventFeed{Events: []Event{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	chunk := append([]Event(nil), events[start:end]...)

	var nextCursor *string
	if end < len(events) {
		next := events[end-1].EventID
		nextCursor = &next
	}
	return EventFeed{Events: chunk, NextCursor: nextCursor}, nil
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	lists := len(s.lists)
	s.mu.RUnlock()
	status := BackendStatus{
		BackendProfile: s.backendProfile,
		StateBackend:   fmt.Sprintf("%T", s.stateBackend),
		Lists:          lists,
	}
	if s.stateBackend == nil {
		status.StateBackend = "none"
	}
	if s.deliveryQueue != nil {
		status.DeliveryQueue = fmt.Sprintf("%T", s.deliveryQueue)
		status.DeliveryQueueDepth = s.deliveryQueue.Depth()
		status.DeliveryQueueCap = s.deliveryQueue.Capacity()
	}
	return status
}

func (s *Store) QueueDepth() int {
	if s.deliveryQueue == nil {
		return 0
	}
	return s.deliveryQueue.Depth()
}

func (s *Store) touchLocked(list *List) {
	list.ModifiedAt = s.now().UTC()
}

func (s *Store) recordEventLocked(list *List, eventType, rowKey, message, correlationID string) {
	s.eventCounter++
	list.Events = append(list.Events, Event{
		EventID:       fmt.Sprintf("evt_%d", s.eventCounter),
		Type:          eventType,
		RowKey:        rowKey,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     s.now().UTC().Format(time.RFC3339Nano),
	})
	if overflow := len(list.Events) - s.maxEvents; overflow > 0 {
		list.Events = append([]Event(nil), list.Events[overflow:]...)
	}
}

func (s *Store) load() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Lists != nil {
		s.lists = snapshot.Lists
	}
	for id, list := range s.lists {
		if list == nil {
			delete(s.lists, id)
			continue
		}
		if list.DeliveredKeys == nil {
			list.DeliveredKeys = map[string]struct{}{}
		}
	}
	s.eventCounter = snapshot.EventCounter
	return nil
}

// saveLocked writes the full registry. On failure the in-memory state is kept
// and the next successful save persists it.
func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	if s.loadErr != nil {
		return fmt.Errorf("%w: refusing to overwrite unreadable state: %v", ErrStorage, s.loadErr)
	}
	snapshot := persistedState{
		EventCounter: s.eventCounter,
		Lists:        s.lists,
	}
	if err := s.stateBackend.Save(&snapshot); err != nil {
		s.logger.Error("failed to persist state", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func normalizeColumns(columns []string) []string {
	out := make([]string, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		column = strings.TrimSpace(column)
		if column == "" {
			continue
		}
		if _, dup := seen[column]; dup {
			continue
		}
		seen[column] = struct{}{}
		out = append(out, column)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func eventIDSeq(eventID string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(eventID, "evt_"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
