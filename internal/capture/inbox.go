// Package capture feeds decoded scan payloads into a list from outside the
// API. The inbox watcher treats every file dropped into a directory as one
// payload.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/scanlist/internal/scanlist"
)

const (
	SourceInbox  = "inbox"
	processedDir = "processed"
	failedDir    = "failed"
)

// Capturer is satisfied by *scanlist.Store.
type Capturer interface {
	CaptureFrom(source, listID, payload, correlationID string) (scanlist.AppendResult, error)
}

type InboxOptions struct {
	Dir    string
	ListID string
	// Settle is how long a file must stay unmodified before it is read.
	Settle time.Duration
	Logger *zap.Logger
}

type Inbox struct {
	target Capturer
	dir    string
	listID string
	settle time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

func NewInbox(target Capturer, opts InboxOptions) (*Inbox, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: inbox directory is required", scanlist.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.ListID) == "" {
		return nil, fmt.Errorf("%w: inbox list id is required", scanlist.ErrInvalidInput)
	}
	for _, sub := range []string{"", processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare inbox: %w", err)
		}
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		target:  target,
		dir:     dir,
		listID:  strings.TrimSpace(opts.ListID),
		settle:  settle,
		logger:  logger.With(zap.String("inbox", dir), zap.String("list_id", strings.TrimSpace(opts.ListID))),
		pending: map[string]*time.Timer{},
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}, nil
}

// Run drains files already waiting in the inbox, then watches for new ones
// until ctx is done. It must not be called more than once.
func (in *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	if _, err := in.Drain(); err != nil {
		in.logger.Warn("inbox drain failed", zap.Error(err))
	}
	defer func() {
		in.stopTimers()
		close(in.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.schedule(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("inbox watcher error", zap.Error(err))
		case path := <-in.ready:
			in.mu.Lock()
			delete(in.pending, path)
			in.mu.Unlock()
			if err := in.ProcessFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				in.logger.Warn("inbox file rejected", zap.String("file", filepath.Base(path)), zap.Error(err))
			}
		}
	}
}

// Drain processes every regular file currently in the inbox, oldest name
// first, and reports how many were captured.
func (in *Inbox) Drain() (int, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && !skipName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	captured := 0
	for _, name := range names {
		if err := in.ProcessFile(filepath.Join(in.dir, name)); err != nil {
			in.logger.Warn("inbox file rejected", zap.String("file", name), zap.Error(err))
			continue
		}
		captured++
	}
	return captured, nil
}

// ProcessFile captures one file and moves it to processed/ or failed/.
// A storage failure still counts as captured since the row is kept.
func (in *Inbox) ProcessFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() || skipName(info.Name()) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	correlationID := "corr_" + uuid.NewString()
	result, captureErr := in.target.CaptureFrom(SourceInbox, in.listID, string(data), correlationID)
	if captureErr != nil && !errors.Is(captureErr, scanlist.ErrStorage) {
		if moveErr := in.move(path, failedDir); moveErr != nil {
			in.logger.Error("failed to move rejected inbox file", zap.String("file", info.Name()), zap.Error(moveErr))
		}
		return captureErr
	}
	if captureErr != nil {
		in.logger.Error("inbox row captured but not persisted", zap.String("file", info.Name()), zap.Error(captureErr))
	}
	in.logger.Info("inbox file captured",
		zap.String("file", info.Name()),
		zap.String("row_key", result.Key),
		zap.String("correlation_id", correlationID),
	)
	return in.move(path, processedDir)
}

func (in *Inbox) schedule(path string) {
	if filepath.Dir(path) != filepath.Clean(in.dir) || skipName(filepath.Base(path)) {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if timer, ok := in.pending[path]; ok {
		timer.Reset(in.settle)
		return
	}
	in.pending[path] = time.AfterFunc(in.settle, func() {
		select {
		case in.ready <- path:
		case <-in.done:
		}
	})
}

func (in *Inbox) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for path, timer := range in.pending {
		timer.Stop()
		delete(in.pending, path)
	}
}

func (in *Inbox) move(path, sub string) error {
	name := filepath.Base(path)
	target := filepath.Join(in.dir, sub, name)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(name)
		target = filepath.Join(in.dir, sub, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	return os.Rename(path, target)
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
