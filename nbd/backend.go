package nbd

import (
	"context"
	"sort"
)

// Backend is implemented by a block storage driver. All offsets and counts
// passed to ReadAt/WriteAt/Discard are in sectors (SectorSize bytes), not
// bytes; callers are responsible for the byte<->sector conversion so that
// drivers never have to re-derive alignment from raw byte offsets.
type Backend interface {
	// Length returns the backend's size in bytes.
	Length(ctx context.Context) (int64, error)

	// ReadAt reads nSectors sectors starting at offsetSectors into buf.
	// buf must be at least nSectors*SectorSize bytes and, for backends
	// that require it, aligned per TryAlignedAlloc.
	ReadAt(ctx context.Context, buf []byte, offsetSectors, nSectors int64) error

	// WriteAt writes nSectors sectors starting at offsetSectors from buf.
	WriteAt(ctx context.Context, buf []byte, offsetSectors, nSectors int64) error

	// Flush commits any previously written data durably.
	Flush(ctx context.Context) error

	// Discard marks nSectors sectors starting at offsetSectors as no
	// longer needed. Best-effort: success does not imply zeroing.
	Discard(ctx context.Context, offsetSectors, nSectors int64) error

	// Close releases any resources held by the backend.
	Close(ctx context.Context) error

	// TryAlignedAlloc attempts to allocate an n-byte buffer meeting this
	// backend's alignment requirement for zero-copy I/O. A backend with no
	// alignment requirement to enforce (e.g. a plain buffered file) always
	// returns (buf, true) with an ordinary buffer; (nil, false) is reserved
	// for a genuine allocation failure on a backend that does require
	// alignment. Callers must report a false return to the client as
	// ENOMEM rather than falling back to an unaligned buffer.
	TryAlignedAlloc(n int) ([]byte, bool)
}

// BackendOpenFunc constructs a Backend from an ExportConfig's driver
// parameters.
type BackendOpenFunc func(ctx context.Context, ec *ExportConfig) (Backend, error)

// backendDrivers is the process-wide map between driver name and
// constructor, mirroring the teacher's RegisterBackend/BackendMap.
var backendDrivers = make(map[string]BackendOpenFunc)

// RegisterBackend registers a backend driver under name. Drivers call this
// from an init() function, the same way the teacher's file backend does.
func RegisterBackend(name string, open BackendOpenFunc) {
	backendDrivers[name] = open
}

// OpenBackend constructs a backend using the driver named by ec.Driver.
func OpenBackend(ctx context.Context, ec *ExportConfig) (Backend, error) {
	open, ok := backendDrivers[ec.Driver]
	if !ok {
		return nil, &UnknownDriverError{Driver: ec.Driver}
	}
	return open(ctx, ec)
}

// BackendNames returns the names of all registered backend drivers.
func BackendNames() []string {
	names := make([]string, 0, len(backendDrivers))
	for name := range backendDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownDriverError is returned by OpenBackend when ec.Driver names no
// registered backend.
type UnknownDriverError struct {
	Driver string
}

func (e *UnknownDriverError) Error() string {
	return "nbd: no such backend driver: " + e.Driver
}
