package mountfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

type MirrorOptions struct {
	LocalRoot string
	StateFile string
	Logger    *zap.Logger
}

// Mirror keeps a plain directory of CSV exports in step with the service,
// for machines where FUSE is unavailable. Only files it wrote itself are
// ever removed.
type Mirror struct {
	catalog   *Catalog
	localRoot string
	stateFile string
	logger    *zap.Logger
	state     mirrorState
	loaded    bool
}

type mirrorState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	ListID string `json:"listId"`
	Hash   string `json:"hash"`
}

type SyncResult struct {
	Written int
	Removed int
}

func NewMirror(catalog *Catalog, opts MirrorOptions) (*Mirror, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".scanlist-mirror-state.json")
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		catalog:   catalog,
		localRoot: localRoot,
		stateFile: stateFile,
		logger:    logger,
		state:     mirrorState{Files: map[string]trackedFile{}},
	}, nil
}

func (m *Mirror) SyncOnce(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	if err := m.loadState(); err != nil {
		return result, err
	}
	entries, err := m.catalog.Entries(ctx)
	if err != nil {
		return result, err
	}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		seen[entry.FileName] = struct{}{}
		data, err := m.catalog.Content(ctx, entry)
		if err != nil {
			return result, err
		}
		hash := hashBytes(data)
		localPath := filepath.Join(m.localRoot, entry.FileName)
		if tracked, ok := m.state.Files[entry.FileName]; ok && tracked.Hash == hash {
			if _, statErr := os.Stat(localPath); statErr == nil {
				continue
			}
		}
		if err := writeFileAtomic(localPath, data, 0o444); err != nil {
			return result, err
		}
		m.state.Files[entry.FileName] = trackedFile{ListID: entry.ListID, Hash: hash}
		result.Written++
		m.logger.Debug("mirrored list", zap.String("file", entry.FileName), zap.String("list_id", entry.ListID))
	}
	for name := range m.state.Files {
		if _, ok := seen[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(m.localRoot, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, err
		}
		delete(m.state.Files, name)
		result.Removed++
	}
	return result, m.saveState()
}

func (m *Mirror) loadState() error {
	if m.loaded {
		return nil
	}
	m.loaded = true
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	m.state = state
	return nil
}

func (m *Mirror) saveState() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(m.stateFile, data, 0o644)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
