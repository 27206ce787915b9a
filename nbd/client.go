package nbd

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWorkers is the number of dispatch goroutines started for a client
// whose export does not override it.
var DefaultWorkers = 5

// negotiationTimeout is the maximum time a client is given to complete the
// handshake before the connection is dropped.
var negotiationTimeout = 10 * time.Second

// pipelineRequest carries one request/reply pair through the receive,
// dispatch and transmit goroutines. Mirrors the teacher's RequestReply.
type pipelineRequest struct {
	req     Request
	rep     Reply
	length  uint32
	offset  uint64
	reqData []byte
	repData []byte
	flags   uint64
}

// Client holds the state of one accepted connection for its entire
// lifetime: handshake, request pipeline, and teardown. Mirrors the
// teacher's Connection, generalized to the new Export/Registry/Backend
// contract and trimmed to the option set and command set SPEC_FULL.md
// names.
type Client struct {
	conn     net.Conn
	logger   *log.Logger
	registry *Registry
	name     string

	// preselected, when non-nil, makes Serve speak the oldstyle handshake
	// against this export instead of negotiating options. Set by the
	// listener before Serve is called, per the listening config's
	// Oldstyle flag.
	preselected *Export

	export  *Export
	backend Backend

	// backendGate is held for read by the dispatch goroutines while they
	// call into backend, and for write by SwapBackend while it replaces
	// the backend pointer, so that no request is ever dispatched against
	// a backend mid-swap.
	backendGate sync.RWMutex

	rxCh chan *pipelineRequest
	txCh chan *pipelineRequest
	sem  chan struct{} // admission control: caps outstanding requests at the export's MaxInFlight

	wg sync.WaitGroup

	numInflight        int64
	disconnectReceived int32

	killCh    chan struct{}
	killOnce  sync.Once
	closeOnce sync.Once

	// closing is set by Close before anything is actually torn down, and
	// asserted true at the final release in Serve's defer below. Mirrors
	// QEMU's client->closing, asserted at nbd_client_put's final refcount
	// release (original_source/nbd/server.c:559,574,578,874,904).
	closing int32

	metrics MetricsSink
}

// MetricsSink receives observability events from a Client's request
// pipeline. Kept as an interface here, rather than importing the server
// package's Prometheus types directly, so nbd has no dependency on how
// (or whether) a caller chooses to export metrics.
type MetricsSink interface {
	ConnectionOpened()
	ConnectionClosed()
	RequestCompleted(command uint16, errno uint32, bytes int, duration time.Duration)
	// RequestStarted and RequestFinished bracket a request's time between
	// being admitted into the pipeline and its reply being fully written.
	RequestStarted()
	RequestFinished()
}

// SetMetrics installs the sink that the request pipeline reports to. Must
// be called, if at all, before Serve.
func (c *Client) SetMetrics(m MetricsSink) { c.metrics = m }

// NewClient wraps an accepted connection. registry is consulted during
// negotiation to resolve export names. preselected, if non-nil, makes
// the connection speak the oldstyle handshake against that export
// instead of negotiating options.
func NewClient(conn net.Conn, registry *Registry, preselected *Export, logger *log.Logger) *Client {
	name := conn.RemoteAddr().String()
	if name == "" {
		name = "[unknown]"
	}
	return &Client{
		conn:        conn,
		logger:      logger,
		registry:    registry,
		preselected: preselected,
		name:        name,
	}
}

// kill forces every goroutine serving this client to exit.
func (c *Client) kill() {
	c.killOnce.Do(func() {
		close(c.killCh)
	})
}

// Close tears the connection down: it kills the serving goroutines and
// closes the socket. Idempotent. This is the Close the export's client
// list calls when the export itself is being closed, and the path Serve's
// own final release below goes through before it touches c.export or
// c.conn again.
func (c *Client) Close() {
	atomic.StoreInt32(&c.closing, 1)
	c.closeOnce.Do(func() {
		c.kill()
		_ = c.conn.Close()
	})
}

// pauseDispatch blocks new dispatches against the current backend from
// starting; called by Export.SwapBackend before it replaces the backend.
func (c *Client) pauseDispatch() { c.backendGate.Lock() }

// resumeDispatch releases a previous pauseDispatch, allowing dispatch to
// resume against whatever backend is now current.
func (c *Client) resumeDispatch() { c.backendGate.Unlock() }

// Serve runs the handshake and, on success, the request pipeline, blocking
// until the connection ends for any reason. Mirrors Connection.Serve.
func (c *Client) Serve(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c.killCh = make(chan struct{})
	c.rxCh = make(chan *pipelineRequest, 1024)
	c.txCh = make(chan *pipelineRequest, 1024)

	if c.metrics != nil {
		c.metrics.ConnectionOpened()
	}
	defer func() {
		cancel()
		c.Close()
		c.wg.Wait()
		if atomic.LoadInt32(&c.closing) == 0 {
			panic("nbd: client final release reached without closing set")
		}
		if c.export != nil {
			c.export.detachClient(context.Background(), c)
		}
		close(c.rxCh)
		close(c.txCh)
		if c.metrics != nil {
			c.metrics.ConnectionClosed()
		}
		c.logger.Printf("[INFO] closed connection from %s", c.name)
	}()

	if err := c.negotiate(ctx); err != nil {
		c.logger.Printf("[INFO] negotiation failed with %s: %v", c.name, err)
		return
	}
	if c.export == nil {
		// NBD_OPT_ABORT or a clean close during negotiation: nothing more to do.
		return
	}

	c.name = fmt.Sprintf("%s/%s", c.name, c.export.Name())
	workers := c.export.Workers()
	c.logger.Printf("[INFO] negotiation succeeded with %s, serving with %d worker(s)", c.name, workers)

	c.wg.Add(2 + workers)
	go c.receive(ctx)
	go c.transmit(ctx)
	for i := 0; i < workers; i++ {
		go c.dispatch(ctx, i)
	}

	select {
	case <-c.killCh:
		c.logger.Printf("[INFO] forced close for %s", c.name)
	case <-ctx.Done():
	}
}

func isClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

func (c *Client) waitForInflight(limit int64) {
	for {
		if atomic.LoadInt64(&c.numInflight) <= limit {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
