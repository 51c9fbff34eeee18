// Package fusedebug exposes every file currently registered on a
// *zns.ZoneDevice as a flat, read-only FUSE mount, so an engineer can `cat`
// or `ls` the device's contents with ordinary tools while debugging
// (spec.md's Non-goals exclude a POSIX filesystem as a shipped feature;
// this is debug tooling only, reachable solely from zonectl's "debugmount"
// verb, never from the core's normal write/read/GC paths).
package fusedebug

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/distr1/zoneengine/internal/oninterrupt"
	"github.com/distr1/zoneengine/internal/zns"
)

var never = time.Now().Add(365 * 24 * time.Hour)

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	dev *zns.ZoneDevice

	// byInode is a fixed snapshot taken at Mount time: this is a debug
	// view, not a live one, so no locking is needed against concurrent
	// writers on the device.
	byInode map[fuseops.InodeID]*zns.ZoneFile
	byName  map[string]fuseops.InodeID

	readersMu sync.Mutex
	readers   map[fuseops.InodeID]*zoneFileReaderAt
}

type zoneFileReaderAt struct {
	f *zns.ZoneFile
}

func (r *zoneFileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	data, err := r.f.PositionedRead(context.Background(), off, len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

const rootInode = fuseops.RootInodeID

// Mount snapshots dev's current file registry and serves it read-only at
// mountpoint until the returned join func is called.
func Mount(ctx context.Context, dev *zns.ZoneDevice, files []*zns.ZoneFile, mountpoint string) (func(context.Context) error, error) {
	fs := &fileSystem{
		dev:     dev,
		byInode: make(map[fuseops.InodeID]*zns.ZoneFile, len(files)),
		byName:  make(map[string]fuseops.InodeID, len(files)),
		readers: make(map[fuseops.InodeID]*zoneFileReaderAt),
	}
	for i, f := range files {
		inode := fuseops.InodeID(i + 2) // 1 is reserved for the root
		fs.byInode[inode] = f
		fs.byName[f.Filename()] = inode
	}

	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "zoneengine",
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}

	// Ctrl-C unmounts instead of killing the process mid-Join, same as the
	// interactive debug mounts this CLI is modeled on: a raw os.Exit here
	// would leave the mountpoint wedged for the next invocation.
	oninterrupt.Register(func() {
		fuse.Unmount(mountpoint)
	})

	return mfs.Join, nil
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = uint32(fs.dev.BlockSize())
	op.IoSize = 65536
	return nil
}

func (fs *fileSystem) attrsFor(inode fuseops.InodeID) fuseops.InodeAttributes {
	if inode == rootInode {
		return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0o555}
	}
	f := fs.byInode[inode]
	return fuseops.InodeAttributes{
		Size:  uint64(f.Size()),
		Nlink: 1,
		Mode:  0o444,
		Atime: never,
		Mtime: never,
		Ctime: never,
	}
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	if op.Parent != rootInode {
		return fuse.ENOENT
	}
	inode, ok := fs.byName[op.Name]
	if !ok {
		return fuse.ENOENT
	}
	op.Entry.Child = inode
	op.Entry.Attributes = fs.attrsFor(inode)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	if op.Inode != rootInode {
		if _, ok := fs.byInode[op.Inode]; !ok {
			return fuse.ENOENT
		}
	}
	op.Attributes = fs.attrsFor(op.Inode)
	op.AttributesExpiration = never
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOENT
	}
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOENT
	}
	var entries []fuseutil.Dirent
	for name, inode := range fs.byName {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  inode,
			Name:   name,
			Type:   fuseutil.DT_File,
		})
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
		return nil
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := fs.byInode[op.Inode]; !ok {
		return fuse.ENOENT
	}
	op.KeepPageCache = true
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	f, ok := fs.byInode[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	fs.readersMu.Lock()
	r, ok := fs.readers[op.Inode]
	if !ok {
		r = &zoneFileReaderAt{f: f}
		fs.readers[op.Inode] = r
	}
	fs.readersMu.Unlock()

	n, err := r.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err == io.EOF {
		err = nil
	}
	return err
}
