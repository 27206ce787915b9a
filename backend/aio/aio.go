//go:build linux

// Package aio implements an nbd.Backend over a file opened O_DIRECT, using
// Linux AIO via github.com/traetox/goaio so that reads and writes bypass
// the page cache entirely. It is the backend of choice when MaxBufferSize
// is large and the export is expected to serve many concurrent clients:
// skipping the page cache avoids one full copy per request and keeps
// memory pressure from this server's own buffering, not the kernel's.
//
// Linux-only: O_DIRECT and Linux AIO have no portable equivalent, so this
// driver is simply absent from the registry on other platforms.
package aio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/traetox/goaio"
	"golang.org/x/sys/unix"

	"github.com/blockserve/nbdserver/nbd"
)

// alignment is the O_DIRECT buffer/offset alignment Linux AIO requires.
// 4096 covers every block device this server is likely to sit on; a
// device with a larger physical sector size would need a larger value,
// which isn't something this driver can discover generically, so it is
// left as a constant rather than probed.
const alignment = 4096

// queueDepth bounds how many AIO requests this backend allows the kernel
// to track at once per file. It doesn't need to track MaxInFlight: AIO
// submission here is synchronous (submit then immediately wait), so depth
// only needs to exceed the sometimes-overlapping teardown/in-flight
// window, not the full per-export fan-out.
const queueDepth = 64

// Backend serves an export's sectors through Linux AIO against a file
// opened with O_DIRECT.
type Backend struct {
	file *os.File
	aio  *goaio.AIO
	size uint64

	mu sync.Mutex // goaio.AIO's request-id space isn't documented safe for concurrent submit; serialize

	// bufSem bounds the number of aligned buffers outstanding at once to
	// queueDepth, the same limit the underlying AIO queue is opened with.
	// TryAlignedAlloc acquires a slot; ReadAt/WriteAt release it once the
	// buffer they were given is done being used. A full bufSem is a
	// genuine allocation failure, reported to TryAlignedAlloc's caller as
	// (nil, false) rather than grown without bound.
	bufSem chan struct{}
}

// ReadAt implements nbd.Backend.
func (b *Backend) ReadAt(ctx context.Context, buf []byte, offsetSectors, nSectors int64) error {
	if nSectors > 0 {
		defer func() { <-b.bufSem }()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.aio.ReadAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	if err != nil {
		return wrapErr(err)
	}
	if _, err := b.aio.WaitFor(id); err != nil {
		return wrapErr(err)
	}
	return nil
}

// WriteAt implements nbd.Backend.
func (b *Backend) WriteAt(ctx context.Context, buf []byte, offsetSectors, nSectors int64) error {
	if nSectors > 0 {
		defer func() { <-b.bufSem }()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.aio.WriteAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	if err != nil {
		return wrapErr(err)
	}
	if _, err := b.aio.WaitFor(id); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Flush implements nbd.Backend. O_DIRECT writes bypass the page cache but
// not a volatile disk write cache, so fsync is still required for durability.
func (b *Backend) Flush(ctx context.Context) error {
	return wrapErr(b.file.Sync())
}

// Discard implements nbd.Backend. Punching a hole through O_DIRECT isn't
// exposed by goaio; left as a no-op success like the file backend's.
func (b *Backend) Discard(ctx context.Context, offsetSectors, nSectors int64) error {
	return nil
}

// Close implements nbd.Backend.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.aio.Close()
	return wrapErr(b.file.Close())
}

// Length implements nbd.Backend.
func (b *Backend) Length(ctx context.Context) (int64, error) {
	return int64(b.size), nil
}

// TryAlignedAlloc returns an n-byte slice whose backing array starts on an
// alignment-byte boundary, as required for O_DIRECT I/O. It over-allocates
// by up to one alignment unit and slices forward to the first aligned
// byte; the oversized backing array is retained by the slice, not reused
// across calls. Past queueDepth buffers outstanding at once it reports
// failure instead of growing the process's memory use without bound; the
// caller (nbd/pipeline.go's allocBuffer) turns that into NBD_ENOMEM.
func (b *Backend) TryAlignedAlloc(n int) ([]byte, bool) {
	select {
	case b.bufSem <- struct{}{}:
	default:
		return nil, false
	}
	buf := make([]byte, n+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := alignment - int(addr%uintptr(alignment))
	if offset == alignment {
		offset = 0
	}
	return buf[offset : offset+n], true
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("aio: %w: %v", nbd.ErrIO, err)
}

// Open opens the file named by the export's "path" driver parameter with
// O_DIRECT and returns a Backend serving it through Linux AIO.
func Open(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
	perms := os.O_RDWR
	if ec.ReadOnly {
		perms = os.O_RDONLY
	}
	f, err := os.OpenFile(ec.DriverParameters["path"], perms|unix.O_DIRECT, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	a, err := goaio.New(f, goaio.AIOExtConfig{QueueDepth: queueDepth})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Backend{file: f, aio: a, size: uint64(stat.Size()), bufSem: make(chan struct{}, queueDepth)}, nil
}

func init() {
	nbd.RegisterBackend("aio", Open)
}
