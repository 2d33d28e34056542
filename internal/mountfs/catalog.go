package mountfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/scanlist/internal/scanlist"
)

// Entry is one list as it appears in the mounted tree.
type Entry struct {
	FileName   string
	ListID     string
	ModifiedAt time.Time
}

type cachedCSV struct {
	modifiedAt time.Time
	data       []byte
}

// Catalog maps file names to lists and caches exported CSV content until
// the list's modification time changes.
type Catalog struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]Entry
	fetchedAt time.Time
	content   map[string]cachedCSV
}

func NewCatalog(source Source, ttl time.Duration) *Catalog {
	if ttl < 0 {
		ttl = 0
	}
	return &Catalog{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]Entry{},
		content: map[string]cachedCSV{},
	}
}

// Entries returns every list sorted by file name. The list index is
// refetched once it is older than the catalog's TTL.
func (c *Catalog) Entries(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

func (c *Catalog) Lookup(ctx context.Context, fileName string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return Entry{}, false, err
	}
	entry, ok := c.entries[fileName]
	return entry, ok, nil
}

func (c *Catalog) Content(ctx context.Context, entry Entry) ([]byte, error) {
	c.mu.Lock()
	cached, ok := c.content[entry.ListID]
	c.mu.Unlock()
	if ok && cached.modifiedAt.Equal(entry.ModifiedAt) {
		return cached.data, nil
	}
	data, err := c.source.ExportCSV(ctx, entry.ListID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.content[entry.ListID] = cachedCSV{modifiedAt: entry.ModifiedAt, data: data}
	c.mu.Unlock()
	return data, nil
}

func (c *Catalog) refreshLocked(ctx context.Context) error {
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return nil
	}
	lists, err := c.source.ListLists(ctx)
	if err != nil {
		return err
	}
	// Sorted by ID so colliding names resolve the same way on every refresh.
	sort.SliceStable(lists, func(i, j int) bool { return lists[i].ID < lists[j].ID })
	entries := make(map[string]Entry, len(lists))
	live := make(map[string]struct{}, len(lists))
	for _, list := range lists {
		name := scanlist.ExportFileName(list.Name)
		if _, taken := entries[name]; taken {
			name = strings.TrimSuffix(name, ".csv") + "_" + shortID(list.ID) + ".csv"
		}
		entries[name] = Entry{FileName: name, ListID: list.ID, ModifiedAt: list.ModifiedAt}
		live[list.ID] = struct{}{}
	}
	for id := range c.content {
		if _, ok := live[id]; !ok {
			delete(c.content, id)
		}
	}
	c.entries = entries
	c.fetchedAt = c.now()
	return nil
}

func shortID(listID string) string {
	id := strings.TrimPrefix(listID, "list_")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
