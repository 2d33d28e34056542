package mountfs

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

type MountOptions struct {
	// CacheTTL bounds how long the kernel and the catalog reuse a listing.
	CacheTTL time.Duration
	Debug    bool
	Logger   *zap.Logger
}

type rootNode struct {
	fs.Inode
	catalog *Catalog
	logger  *zap.Logger
}

var (
	_ fs.NodeReaddirer = (*rootNode)(nil)
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeGetattrer = (*csvNode)(nil)
	_ fs.NodeOpener    = (*csvNode)(nil)
	_ fs.FileReader    = (*csvHandle)(nil)
)

// Mount serves the catalog read-only at dir. Callers wait on and unmount the
// returned server.
func Mount(dir string, catalog *Catalog, opts MountOptions) (*fuse.Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.CacheTTL
	root := &rootNode{catalog: catalog, logger: logger}
	return fs.Mount(dir, root, &fs.Options{
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		MountOptions: fuse.MountOptions{
			FsName: "scanlist",
			Name:   "scanlist",
			Debug:  opts.Debug,
		},
	})
}

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.catalog.Entries(ctx)
	if err != nil {
		n.logger.Warn("list fetch failed", zap.Error(err))
		return nil, syscall.EIO
	}
	out := make([]fuse.DirEntry, len(entries))
	for i, entry := range entries {
		out[i] = fuse.DirEntry{Name: entry.FileName, Mode: syscall.S_IFREG}
	}
	return fs.NewListDirStream(out), 0
}

func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entry, ok, err := n.catalog.Lookup(ctx, name)
	if err != nil {
		n.logger.Warn("list fetch failed", zap.String("file", name), zap.Error(err))
		return nil, syscall.EIO
	}
	if !ok {
		return nil, syscall.ENOENT
	}
	data, err := n.catalog.Content(ctx, entry)
	if err != nil {
		n.logger.Warn("csv export failed", zap.String("list_id", entry.ListID), zap.Error(err))
		return nil, syscall.EIO
	}
	fillAttr(&out.Attr, entry, len(data))
	child := n.NewInode(ctx, &csvNode{catalog: n.catalog, name: name, logger: n.logger}, fs.StableAttr{Mode: syscall.S_IFREG})
	return child, 0
}

type csvNode struct {
	fs.Inode
	catalog *Catalog
	name    string
	logger  *zap.Logger
}

func (f *csvNode) current(ctx context.Context) (Entry, []byte, syscall.Errno) {
	entry, ok, err := f.catalog.Lookup(ctx, f.name)
	if err != nil {
		f.logger.Warn("list fetch failed", zap.String("file", f.name), zap.Error(err))
		return Entry{}, nil, syscall.EIO
	}
	if !ok {
		return Entry{}, nil, syscall.ENOENT
	}
	data, err := f.catalog.Content(ctx, entry)
	if err != nil {
		f.logger.Warn("csv export failed", zap.String("list_id", entry.ListID), zap.Error(err))
		return Entry{}, nil, syscall.EIO
	}
	return entry, data, 0
}

func (f *csvNode) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, data, errno := f.current(ctx)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, entry, len(data))
	return 0
}

func (f *csvNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	_, data, errno := f.current(ctx)
	if errno != 0 {
		return nil, 0, errno
	}
	return &csvHandle{data: data}, fuse.FOPEN_DIRECT_IO, 0
}

// csvHandle holds the export taken at open time so a reader sees one
// consistent version of the file.
type csvHandle struct {
	data []byte
}

func (h *csvHandle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end]), 0
}

func fillAttr(attr *fuse.Attr, entry Entry, size int) {
	attr.Mode = syscall.S_IFREG | 0o444
	attr.Size = uint64(size)
	mtime := entry.ModifiedAt
	attr.SetTimes(nil, &mtime, &mtime)
}
