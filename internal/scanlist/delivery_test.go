package scanlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type sinkRecorder struct {
	calls    int32
	inFlight int32
	maxSeen  int32
	down     atomic.Bool
	body     atomic.Value
	delay    time.Duration
	respond  func(w http.ResponseWriter)
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.calls, 1)
		current := atomic.AddInt32(&s.inFlight, 1)
		defer atomic.AddInt32(&s.inFlight, -1)
		for {
			seen := atomic.LoadInt32(&s.maxSeen)
			if current <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, current) {
				break
			}
		}
		var decoded map[string]any
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		s.body.Store(decoded)
		if s.down.Load() {
			hijacker, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hijacker.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
		}
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-r.Context().Done():
				return
			}
		}
		if s.respond != nil {
			s.respond(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}
}

func newSinkStore(t *testing.T, recorder *sinkRecorder, opts StoreOptions) (*Store, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)
	if opts.Sink == nil {
		opts.Sink = NewHTTPSink(SinkOptions{HTTPClient: server.Client(), Timeout: time.Second})
	}
	return newTestStore(t, opts), server
}

func TestDeliverMarksRowDeliveredOnSuccess(t *testing.T) {
	recorder := &sinkRecorder{}
	store, server := newSinkStore(t, recorder, StoreOptions{})
	list := mustCreateList(t, store, "Sheet")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, _ := store.Capture(list.ID, `{"nome":"Ana","idade":"30"}`, "")

	outcome, err := store.Deliver(context.Background(), list.ID, result.Key, "corr_d")
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if outcome.Status != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", outcome)
	}
	body, _ := recorder.body.Load().(map[string]any)
	data, _ := body["data"].(map[string]any)
	if data["nome"] != "Ana" || data["idade"] != "30" {
		t.Fatalf("expected column-keyed data, got %+v", body)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("expected timestamp in body, got %+v", body)
	}

	again, _ := store.Deliver(context.Background(), list.ID, result.Key, "")
	if again.Status != OutcomeDelivered {
		t.Fatalf("expected repeat delivery to succeed, got %s", again)
	}
	got, _ := store.GetList(list.ID)
	if len(got.DeliveredKeys) != 1 || !got.IsDelivered(result.Key) {
		t.Fatalf("expected exactly one delivered key, got %v", got.DeliveredKeys)
	}
}

func TestDeliverRejectedBodyIsFailure(t *testing.T) {
	recorder := &sinkRecorder{respond: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}}
	store, server := newSinkStore(t, recorder, StoreOptions{})
	list := mustCreateList(t, store, "Reject")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, _ := store.Capture(list.ID, "a", "")

	outcome, err := store.Deliver(context.Background(), list.ID, result.Key, "")
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if outcome != Failed(ReasonRejected) {
		t.Fatalf("expected rejected failure, got %s", outcome)
	}
	got, _ := store.GetList(list.ID)
	if got.IsDelivered(result.Key) {
		t.Fatalf("expected rejected row to stay undelivered")
	}
}

func TestDeliverHTTPStatusFailure(t *testing.T) {
	recorder := &sinkRecorder{respond: func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusForbidden)
	}}
	store, server := newSinkStore(t, recorder, StoreOptions{})
	list := mustCreateList(t, store, "Forbidden")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, _ := store.Capture(list.ID, "a", "")
	outcome, _ := store.Deliver(context.Background(), list.ID, result.Key, "")
	if outcome != Failed("http:403") {
		t.Fatalf("expected http:403, got %s", outcome)
	}
}

func TestDeliverWithoutSinkIsSkipped(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	list := mustCreateList(t, store, "NoSink")
	result, _ := store.Capture(list.ID, "a", "")
	outcome, err := store.Deliver(context.Background(), list.ID, result.Key, "")
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if outcome != Skipped(ReasonNoSink) {
		t.Fatalf("expected no sink skip, got %s", outcome)
	}
	if _, err := store.Deliver(context.Background(), "list_missing", result.Key, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown list, got %v", err)
	}
	missing, _ := store.Deliver(context.Background(), list.ID, "1999-01-01T00:00:00", "")
	if missing != Skipped(ReasonRowNotFound) {
		t.Fatalf("expected row not found skip, got %s", missing)
	}
}

func TestDeliverTimeout(t *testing.T) {
	recorder := &sinkRecorder{delay: 500 * time.Millisecond}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()
	store := newTestStore(t, StoreOptions{
		Sink: NewHTTPSink(SinkOptions{HTTPClient: server.Client(), Timeout: 20 * time.Millisecond}),
	})
	list := mustCreateList(t, store, "Slow")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, _ := store.Capture(list.ID, "a", "")
	outcome, _ := store.Deliver(context.Background(), list.ID, result.Key, "")
	if outcome != Failed(ReasonTimeout) {
		t.Fatalf("expected timeout failure, got %s", outcome)
	}
}

func TestNetworkFailureThenRedriveDelivers(t *testing.T) {
	recorder := &sinkRecorder{}
	recorder.down.Store(true)
	clock := newFakeClock()
	store, server := newSinkStore(t, recorder, StoreOptions{Now: clock.Now})
	list := mustCreateList(t, store, "Flaky")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	first, _ := store.Capture(list.ID, "a", "")
	clock.Advance(time.Second)
	second, _ := store.Capture(list.ID, "b", "")

	outcome, _ := store.Deliver(context.Background(), list.ID, first.Key, "")
	if outcome != Failed(ReasonNetwork) {
		t.Fatalf("expected network failure, got %s", outcome)
	}
	got, _ := store.GetList(list.ID)
	if len(got.Rows) != 2 || got.IsDelivered(first.Key) {
		t.Fatalf("expected local rows kept and undelivered")
	}

	recorder.down.Store(false)
	report, err := store.Redrive(context.Background(), list.ID, "corr_redrive")
	if err != nil {
		t.Fatalf("redrive failed: %v", err)
	}
	if report.Pending != 2 || report.Delivered != 2 || report.Failed != 0 {
		t.Fatalf("unexpected redrive report: %+v", report)
	}
	if report.Results[0].RowKey != first.Key || report.Results[1].RowKey != second.Key {
		t.Fatalf("expected row order preserved, got %+v", report.Results)
	}
	got, _ = store.GetList(list.ID)
	if !got.IsDelivered(first.Key) || !got.IsDelivered(second.Key) {
		t.Fatalf("expected both rows delivered after redrive")
	}

	calls := atomic.LoadInt32(&recorder.calls)
	report, _ = store.Redrive(context.Background(), list.ID, "")
	if report.Pending != 0 || atomic.LoadInt32(&recorder.calls) != calls {
		t.Fatalf("expected nothing to redrive, got %+v", report)
	}
}

func TestRedriveIsSequential(t *testing.T) {
	recorder := &sinkRecorder{delay: 10 * time.Millisecond}
	clock := newFakeClock()
	store, server := newSinkStore(t, recorder, StoreOptions{Now: clock.Now})
	list := mustCreateList(t, store, "Ordered")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, _ = store.Capture(list.ID, "x", "")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = store.Redrive(context.Background(), list.ID, "")
	}()
	// A concurrent single delivery on the same list must wait its turn.
	_, _ = store.DeliverAt(context.Background(), list.ID, 0, "")
	<-done

	if peak := atomic.LoadInt32(&recorder.maxSeen); peak != 1 {
		t.Fatalf("expected at most one in-flight delivery, saw %d", peak)
	}
}

func TestRedriveStopsOnCancel(t *testing.T) {
	recorder := &sinkRecorder{}
	clock := newFakeClock()
	store, server := newSinkStore(t, recorder, StoreOptions{Now: clock.Now})
	list := mustCreateList(t, store, "Cancel")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		_, _ = store.Capture(list.ID, "x", "")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := store.Redrive(ctx, list.ID, "")
	if err != nil {
		t.Fatalf("redrive failed: %v", err)
	}
	if !report.Interrupted || len(report.Results) != 0 {
		t.Fatalf("expected interrupted redrive without attempts, got %+v", report)
	}
}

func TestRedriveWithoutSinkReportsReason(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	list := mustCreateList(t, store, "Nowhere")
	_, _ = store.Capture(list.ID, "x", "")
	report, err := store.Redrive(context.Background(), list.ID, "")
	if err != nil {
		t.Fatalf("redrive failed: %v", err)
	}
	if report.Reason != ReasonNoSink || report.Pending != 1 {
		t.Fatalf("expected no sink reason, got %+v", report)
	}
}

func TestQueuedCaptureIsDeliveredByWorker(t *testing.T) {
	recorder := &sinkRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()
	store := NewStoreWithOptions(StoreOptions{
		Sink:     NewHTTPSink(SinkOptions{HTTPClient: server.Client()}),
		Location: time.UTC,
	})
	defer store.Close()

	list := mustCreateList(t, store, "Async")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, err := store.Capture(list.ID, "a,b", "corr_async")
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if result.Delivery != DeliveryQueued {
		t.Fatalf("expected queued delivery, got %q", result.Delivery)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.GetList(list.ID)
		if got.IsDelivered(result.Key) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected worker to deliver queued row")
}

func TestQueuedTaskSkipsDeliveredRow(t *testing.T) {
	recorder := &sinkRecorder{}
	store, server := newSinkStore(t, recorder, StoreOptions{})
	list := mustCreateList(t, store, "Dup")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, _ := store.Capture(list.ID, "a", "")
	_ = store.MarkDelivered(list.ID, result.Key)

	store.processDelivery(DeliveryTask{ListID: list.ID, RowKey: result.Key})
	if atomic.LoadInt32(&recorder.calls) != 0 {
		t.Fatalf("expected no sink call for a delivered row")
	}
	feed, _ := store.GetEvents(list.ID, "", 0)
	last := feed.Events[len(feed.Events)-1]
	if last.Type != EventDeliverySkipped || last.Message != ReasonAlreadyDelivered {
		t.Fatalf("expected skipped event, got %+v", last)
	}
}

func TestConfirmationForReplacedSinkIsIgnored(t *testing.T) {
	release := make(chan struct{})
	recorder := &sinkRecorder{respond: func(w http.ResponseWriter) {
		<-release
		_, _ = w.Write([]byte("ok"))
	}}
	store, server := newSinkStore(t, recorder, StoreOptions{})
	list := mustCreateList(t, store, "Swap")
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL})
	result, _ := store.Capture(list.ID, "a", "")

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := store.Deliver(context.Background(), list.ID, result.Key, "")
		done <- outcome
	}()
	for atomic.LoadInt32(&recorder.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	_, _ = store.UpdateSettings(list.ID, Settings{SinkURL: server.URL + "/other"})
	close(release)
	if outcome := <-done; outcome.Status != OutcomeDelivered {
		t.Fatalf("expected sink to report delivered, got %s", outcome)
	}
	got, _ := store.GetList(list.ID)
	if got.IsDelivered(result.Key) {
		t.Fatalf("expected confirmation from the previous sink to be ignored")
	}
}
