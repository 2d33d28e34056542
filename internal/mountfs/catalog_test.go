package mountfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu        sync.Mutex
	lists     []ListSummary
	csv       map[string]string
	listErr   error
	listCalls int
	exports   int
}

func (f *fakeSource) ListLists(context.Context) ([]ListSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]ListSummary(nil), f.lists...), nil
}

func (f *fakeSource) ExportCSV(_ context.Context, listID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	data, ok := f.csv[listID]
	if !ok {
		return nil, &HTTPError{StatusCode: 404, Code: "not_found"}
	}
	return []byte(data), nil
}

func TestCatalogNamesAndCollisions(t *testing.T) {
	source := &fakeSource{lists: []ListSummary{
		{ID: "list_bbbbbbbb-2", Name: "Room 1"},
		{ID: "list_aaaaaaaa-1", Name: "Room 1"},
		{ID: "list_c", Name: "Stock/Back"},
	}}
	catalog := NewCatalog(source, time.Minute)
	entries, err := catalog.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	names := map[string]string{}
	for _, entry := range entries {
		names[entry.FileName] = entry.ListID
	}
	if names["Room_1.csv"] != "list_aaaaaaaa-1" {
		t.Fatalf("expected lowest id to keep the plain name, got %v", names)
	}
	if names["Room_1_bbbbbbbb.csv"] != "list_bbbbbbbb-2" {
		t.Fatalf("expected suffixed name for collision, got %v", names)
	}
	if names["Stock_Back.csv"] != "list_c" {
		t.Fatalf("expected slash replaced in file name, got %v", names)
	}
}

func TestCatalogCachesWithinTTL(t *testing.T) {
	source := &fakeSource{
		lists: []ListSummary{{ID: "list_1", Name: "A", ModifiedAt: time.Unix(100, 0)}},
		csv:   map[string]string{"list_1": "Date,Time\n"},
	}
	catalog := NewCatalog(source, time.Minute)
	now := time.Unix(1000, 0)
	catalog.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		entry, ok, err := catalog.Lookup(context.Background(), "A.csv")
		if err != nil || !ok {
			t.Fatalf("lookup failed: ok=%v err=%v", ok, err)
		}
		if _, err := catalog.Content(context.Background(), entry); err != nil {
			t.Fatalf("content: %v", err)
		}
	}
	if source.listCalls != 1 || source.exports != 1 {
		t.Fatalf("expected one fetch of each, got lists=%d exports=%d", source.listCalls, source.exports)
	}

	now = now.Add(2 * time.Minute)
	source.lists[0].ModifiedAt = time.Unix(200, 0)
	entry, _, _ := catalog.Lookup(context.Background(), "A.csv")
	if _, err := catalog.Content(context.Background(), entry); err != nil {
		t.Fatalf("content: %v", err)
	}
	if source.listCalls != 2 || source.exports != 2 {
		t.Fatalf("expected refetch after ttl and modification, got lists=%d exports=%d", source.listCalls, source.exports)
	}
}

func TestCatalogSurfacesSourceErrors(t *testing.T) {
	boom := errors.New("boom")
	catalog := NewCatalog(&fakeSource{listErr: boom}, 0)
	if _, err := catalog.Entries(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestMirrorWritesAndRemovesFiles(t *testing.T) {
	source := &fakeSource{
		lists: []ListSummary{
			{ID: "list_1", Name: "Alpha", ModifiedAt: time.Unix(1, 0)},
			{ID: "list_2", Name: "Beta", ModifiedAt: time.Unix(1, 0)},
		},
		csv: map[string]string{"list_1": "Date,Time,a\n", "list_2": "Date,Time,b\n"},
	}
	dir := t.TempDir()
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}
	mirror, err := NewMirror(NewCatalog(source, 0), MirrorOptions{LocalRoot: dir})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	result, err := mirror.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Written != 2 || result.Removed != 0 {
		t.Fatalf("unexpected first sync result %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(dir, "Alpha.csv"))
	if err != nil || string(data) != "Date,Time,a\n" {
		t.Fatalf("unexpected Alpha.csv %q (%v)", data, err)
	}

	result, err = mirror.SyncOnce(context.Background())
	if err != nil || result.Written != 0 {
		t.Fatalf("expected unchanged sync to write nothing, got %+v (%v)", result, err)
	}

	source.lists = source.lists[:1]
	result, err = mirror.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Removed != 1 {
		t.Fatalf("expected Beta.csv removed, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "Beta.csv")); !os.IsNotExist(err) {
		t.Fatalf("expected Beta.csv gone, got %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("expected unrelated file kept: %v", err)
	}
}

func TestMirrorStateSurvivesRestart(t *testing.T) {
	source := &fakeSource{
		lists: []ListSummary{{ID: "list_1", Name: "Alpha"}},
		csv:   map[string]string{"list_1": "x\n"},
	}
	dir := t.TempDir()
	first, _ := NewMirror(NewCatalog(source, 0), MirrorOptions{LocalRoot: dir})
	if _, err := first.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	source.lists = nil
	second, _ := NewMirror(NewCatalog(source, 0), MirrorOptions{LocalRoot: dir})
	result, err := second.SyncOnce(context.Background())
	if err != nil || result.Removed != 1 {
		t.Fatalf("expected restarted mirror to remove its own file, got %+v (%v)", result, err)
	}
}
