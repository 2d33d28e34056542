package mountfs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/scanlist/internal/httpapi"
	"github.com/agentworkforce/scanlist/internal/scanlist"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"storage_unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/lists" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lists":[{"id":"list_1","name":"Room 1","rows":2}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	lists, err := client.ListLists(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(lists) != 1 || lists[0].Name != "Room 1" {
		t.Fatalf("unexpected lists %+v", lists)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	_, err := client.ExportCSV(context.Background(), "list_missing")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != 2*time.Second {
		t.Fatalf("expected delay capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms backoff on attempt 3, got %s", got)
	}
}

func TestHTTPClientAgainstAPI(t *testing.T) {
	store := scanlist.NewStoreWithOptions(scanlist.StoreOptions{DisableWorkers: true, Location: time.UTC})
	t.Cleanup(store.Close)
	list, err := store.CreateList("Room 7")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if _, err := store.Capture(list.ID, "a,b", ""); err != nil {
		t.Fatalf("capture: %v", err)
	}
	server := httptest.NewServer(httpapi.NewServer(store))
	defer server.Close()

	catalog := NewCatalog(NewHTTPClient(server.URL, "", server.Client()), time.Minute)
	entry, ok, err := catalog.Lookup(context.Background(), "Room_7.csv")
	if err != nil || !ok {
		t.Fatalf("expected Room_7.csv in catalog, got ok=%v err=%v", ok, err)
	}
	data, err := catalog.Content(context.Background(), entry)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if !strings.HasPrefix(string(data), "Date,Time,Field 1,Field 2\n") {
		t.Fatalf("unexpected csv %q", data)
	}
}
