// Package file implements an nbd.Backend backed by a plain os.File, using
// pread/pwrite at sector granularity.
package file

import (
	"context"
	"fmt"
	"os"

	"github.com/blockserve/nbdserver/nbd"
)

// Backend serves an export's sectors directly from an open file.
type Backend struct {
	file *os.File
	size uint64
}

// ReadAt implements nbd.Backend.
func (b *Backend) ReadAt(ctx context.Context, buf []byte, offsetSectors, nSectors int64) error {
	_, err := b.file.ReadAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	return wrapErr(err)
}

// WriteAt implements nbd.Backend.
func (b *Backend) WriteAt(ctx context.Context, buf []byte, offsetSectors, nSectors int64) error {
	_, err := b.file.WriteAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	return wrapErr(err)
}

// Flush implements nbd.Backend.
func (b *Backend) Flush(ctx context.Context) error {
	return wrapErr(b.file.Sync())
}

// Discard implements nbd.Backend. A plain file has no sparse-punch
// primitive wired here; discard is a no-op success, matching the
// teacher's TrimAt.
func (b *Backend) Discard(ctx context.Context, offsetSectors, nSectors int64) error {
	return nil
}

// Close implements nbd.Backend.
func (b *Backend) Close(ctx context.Context) error {
	return wrapErr(b.file.Close())
}

// Length implements nbd.Backend.
func (b *Backend) Length(ctx context.Context) (int64, error) {
	return int64(b.size), nil
}

// TryAlignedAlloc implements nbd.Backend. A plain file has no alignment
// requirement to enforce, so this always succeeds with a plain buffer: a
// false return is reserved for a genuine allocation failure, which this
// backend never has reason to report.
func (b *Backend) TryAlignedAlloc(n int) ([]byte, bool) {
	return make([]byte, n), true
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if os.IsPermission(err) {
		return fmt.Errorf("file: %w", nbd.ErrPermission)
	}
	return fmt.Errorf("file: %w: %v", nbd.ErrIO, err)
}

// Open opens the file named by the export's "path" driver parameter and
// returns a Backend serving it.
func Open(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
	perms := os.O_RDWR
	if ec.ReadOnly {
		perms = os.O_RDONLY
	}
	sync, err := nbd.IsTrue(ec.DriverParameters["sync"])
	if err != nil {
		return nil, err
	}
	if sync {
		perms |= os.O_SYNC
	}
	f, err := os.OpenFile(ec.DriverParameters["path"], perms, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Backend{file: f, size: uint64(stat.Size())}, nil
}

func init() {
	nbd.RegisterBackend("file", Open)
}
