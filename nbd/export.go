package nbd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Export is a named, reference-counted, addressable block volume offered to
// clients. It is immutable after creation except for its name binding.
//
// Refcounting and name binding mirror the original C reference
// implementation's nbd_export_get/nbd_export_put/nbd_export_set_name
// (nbd/server.c): binding a name holds one strong reference; unbinding
// releases it; when the refcount drops to one while a name is still bound,
// the name is unbound (itself dropping a reference) before teardown
// completes.
type Export struct {
	size        uint64 // bytes, a multiple of SectorSize
	flags       uint16 // advertised export flags, low 16 bits only
	readOnly    bool
	workers     int
	maxInFlight int
	maxBuffer   int

	mu      sync.Mutex
	backend Backend
	name    string // "" if unbound
	bound   bool
	clients []*Client

	refcount int32
	registry *Registry
}

// Size returns the export's effective size in bytes.
func (e *Export) Size() uint64 { return e.size }

// Flags returns the export's advertised feature flags (low 16 bits).
func (e *Export) Flags() uint16 { return e.flags }

// ReadOnly reports whether writes to this export are rejected.
func (e *Export) ReadOnly() bool { return e.readOnly }

// MaxInFlight returns the in-flight cap clients of this export are held to.
func (e *Export) MaxInFlight() int { return e.maxInFlight }

// Workers returns the number of dispatch goroutines a client attached to
// this export should run.
func (e *Export) Workers() int { return e.workers }

// MaxBufferSize returns the largest READ/WRITE length this export accepts.
func (e *Export) MaxBufferSize() int { return e.maxBuffer }

// Name returns the export's currently bound name, or "" if unbound.
func (e *Export) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Backend returns the export's current backend.
func (e *Export) Backend() Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

// get increments the reference count. Mirrors nbd_export_get.
func (e *Export) get() {
	atomic.AddInt32(&e.refcount, 1)
}

// put decrements the reference count. If the count was one (the last real
// owner dropping its reference), the export is closed first: every attached
// client is closed and the name, if any, is unbound, exactly as
// nbd_export_put calls nbd_export_close before its own decrement. The
// decrement at the bottom always happens, whether or not close ran; once it
// reaches zero the export is torn down. Mirrors nbd_export_put.
func (e *Export) put(ctx context.Context) {
	if atomic.LoadInt32(&e.refcount) == 1 {
		e.closeLocked(ctx)
	}
	if atomic.AddInt32(&e.refcount, -1) == 0 {
		e.teardown(ctx)
	}
}

// attachClient records that c has attached to this export and takes one
// reference on the client's behalf.
func (e *Export) attachClient(c *Client) {
	e.mu.Lock()
	e.clients = append(e.clients, c)
	e.mu.Unlock()
	e.get()
}

// detachClient removes c from this export's client list and releases the
// reference attachClient took.
func (e *Export) detachClient(ctx context.Context, c *Client) {
	e.mu.Lock()
	for i, existing := range e.clients {
		if existing == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.put(ctx)
}

// Close forcibly closes every attached client and unbinds the export's
// name. Safe to call with the export at any refcount: it takes its own
// protecting reference before acting and releases it when done. Mirrors
// nbd_export_close, which is both put's internal helper and a standalone
// management action.
func (e *Export) Close(ctx context.Context) {
	e.closeLocked(ctx)
}

// closeLocked is nbd_export_close: get, close every attached client,
// unbind the name (which itself takes/releases references as it edits the
// registry), then put. The get/put pair here is self-balancing and
// independent of whatever put() call, if any, is already in progress above
// it on the stack.
func (e *Export) closeLocked(ctx context.Context) {
	e.get()

	e.mu.Lock()
	clients := append([]*Client(nil), e.clients...)
	e.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	e.setName(ctx, "")
	e.put(ctx)
}

func (e *Export) teardown(ctx context.Context) {
	if e.backend != nil {
		_ = e.backend.Close(ctx)
	}
	if e.registry != nil {
		e.registry.forget(e)
	}
}

// setName is the implementation behind Registry.SetName; it is also used by
// closeLocked to unbind the name as part of close. Mirrors
// nbd_export_set_name: a no-op if the name isn't changing, otherwise a
// protecting get, an unbind-and-put of the old name if one was bound, a
// bind-and-get of the new name if one was given, and a final put that
// releases the protecting reference.
func (e *Export) setName(ctx context.Context, name string) {
	e.mu.Lock()
	unchanged := e.name == name
	e.mu.Unlock()
	if unchanged {
		return
	}

	e.get()

	e.mu.Lock()
	oldName := e.name
	e.mu.Unlock()
	if oldName != "" {
		e.mu.Lock()
		e.name = ""
		e.bound = false
		e.mu.Unlock()
		if e.registry != nil {
			e.registry.unindex(e, oldName)
		}
		e.put(ctx)
	}

	if name != "" {
		e.get()
		e.mu.Lock()
		e.name = name
		e.bound = true
		e.mu.Unlock()
		if e.registry != nil {
			e.registry.index(e, name)
		}
	}

	e.put(ctx)
}

// SwapBackend atomically replaces the export's backend, waiting for any
// dispatch already in flight against the old backend to finish first. This
// is the Go rendition of "every attached client's reactor registration is
// torn down on the old context and recreated on the new context atomically
// with respect to request dispatch": dispatch on every attached client is
// paused via the client's backend gate, the backend pointer is swapped on
// the export and on each attached client, and dispatch resumes against the
// new backend.
func (e *Export) SwapBackend(ctx context.Context, newBackend Backend) error {
	e.mu.Lock()
	clients := append([]*Client(nil), e.clients...)
	old := e.backend
	e.mu.Unlock()

	for _, c := range clients {
		c.pauseDispatch()
	}
	defer func() {
		for _, c := range clients {
			c.resumeDispatch()
		}
	}()

	e.mu.Lock()
	e.backend = newBackend
	e.mu.Unlock()
	for _, c := range clients {
		c.backend = newBackend
	}

	if old != nil {
		return old.Close(ctx)
	}
	return nil
}

// Registry is a process-wide, ordered collection of exports keyed by
// insertion order, with name uniqueness. It is an explicit value rather than
// a package-level singleton so callers (and tests) can run disjoint
// registries concurrently.
type Registry struct {
	mu      sync.Mutex
	exports []*Export // insertion order, for LIST
	byName  map[string]*Export
}

// NewRegistry returns an empty export registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Export)}
}

// CreateExportParams describes the static attributes of a new export.
type CreateExportParams struct {
	Backend     Backend
	Size        uint64
	Flags       uint16
	ReadOnly    bool
	Workers     int
	MaxInFlight int
	MaxBuffer   int
}

// CreateExport creates a new, unnamed export with a single reference held by
// the caller. The caller must either bind a name with SetName or release the
// reference itself once done with it.
func (r *Registry) CreateExport(p CreateExportParams) (*Export, error) {
	if p.Size%SectorSize != 0 {
		return nil, fmt.Errorf("nbd: export size %d is not a multiple of the sector size %d", p.Size, SectorSize)
	}
	maxInFlight := p.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = MaxInFlight
	}
	maxBuffer := p.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = MaxBufferSize
	}
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Export{
		backend:     p.Backend,
		size:        p.Size,
		flags:       p.Flags, // export flags are restricted to the low 16 bits (p.Flags is already uint16)
		readOnly:    p.ReadOnly,
		workers:     workers,
		maxInFlight: maxInFlight,
		maxBuffer:   maxBuffer,
		refcount:    1,
		registry:    r,
	}, nil
}

// SetName binds exp to name (replacing any previous binding), or unbinds it
// if name is "". Binding acquires one strong reference on exp and makes it
// discoverable via Find/List; unbinding releases that reference.
func (r *Registry) SetName(ctx context.Context, exp *Export, name string) error {
	if name != "" {
		r.mu.Lock()
		existing, ok := r.byName[name]
		r.mu.Unlock()
		if ok && existing != exp {
			return fmt.Errorf("nbd: export name %q already in use", name)
		}
	}
	exp.setName(ctx, name)
	return nil
}

// index records exp as bound to name, in insertion order. Called by
// Export.setName while binding.
func (r *Registry) index(exp *Export, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = exp
	r.exports = append(r.exports, exp)
}

// unindex removes exp's binding under name. Called by Export.setName while
// unbinding.
func (r *Registry) unindex(exp *Export, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[name] == exp {
		delete(r.byName, name)
	}
	for i, e := range r.exports {
		if e == exp {
			r.exports = append(r.exports[:i], r.exports[i+1:]...)
			break
		}
	}
}

// Find returns the export bound to name, or nil if none.
func (r *Registry) Find(name string) *Export {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// List returns every currently named export, in insertion order.
func (r *Registry) List() []*Export {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Export, 0, len(r.exports))
	for _, exp := range r.exports {
		if exp.Name() != "" {
			out = append(out, exp)
		}
	}
	return out
}

// forget removes exp from the registry's bookkeeping once its refcount has
// reached zero. Called from Export.teardown.
func (r *Registry) forget(exp *Export) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.exports {
		if e == exp {
			r.exports = append(r.exports[:i], r.exports[i+1:]...)
			break
		}
	}
}
