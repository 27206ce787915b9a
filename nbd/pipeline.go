package nbd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync/atomic"
	"time"
)

// allocBuffer asks the export's backend for an n-byte buffer meeting its
// alignment requirement. A false return is a genuine allocation failure
// (TryAlignedAlloc's contract, nbd/backend.go), not "this backend has no
// alignment requirement" — backends with nothing to enforce report success
// with a plain buffer instead. Callers must turn a false return into
// NBD_ENOMEM rather than silently falling back to an unaligned buffer.
func (c *Client) allocBuffer(n uint32) ([]byte, bool) {
	if n == 0 {
		return nil, true
	}
	buf, ok := c.backend.TryAlignedAlloc(int(n))
	if !ok {
		return nil, false
	}
	return buf[:n], true
}

// receive is the goroutine that decodes request frames off the wire,
// validates them, reads any write payload, and hands each one to dispatch
// via rxCh (or straight to txCh, for requests already known to fail).
// Mirrors Connection.Receive.
func (c *Client) receive(ctx context.Context) {
	defer func() {
		c.kill()
		c.wg.Done()
	}()

	c.sem = make(chan struct{}, c.export.MaxInFlight())

	for {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		pr := &pipelineRequest{}
		if err := binary.Read(c.conn, binary.BigEndian, &pr.req); err != nil {
			if !isClosedErr(err) && err != io.EOF {
				c.logger.Printf("[ERROR] client %s: cannot read request: %v", c.name, err)
			}
			return
		}
		if pr.req.Magic != RequestMagic {
			c.logger.Printf("[ERROR] client %s: bad request magic", c.name)
			return
		}

		pr.rep = Reply{Magic: ReplyMagic, Handle: pr.req.Handle}
		cmd := pr.req.Command()
		flags, ok := cmdFlags[cmd]
		if !ok {
			c.logger.Printf("[ERROR] client %s: unknown command %d", c.name, cmd)
			return
		}
		pr.flags = flags

		if flags&cmdDisconnect != 0 {
			atomic.StoreInt32(&c.disconnectReceived, 1)
		}

		if flags&cmdCheckLengthOffset != 0 {
			pr.length = pr.req.Length
			pr.offset = pr.req.Offset
			size := c.export.Size()

			// Integer overflow in offset+length is treated as an attack,
			// not a request-level error: the header itself is untrustworthy,
			// so the connection is dropped rather than answered.
			if pr.offset > math.MaxUint64-uint64(pr.length) {
				c.logger.Printf("[ERROR] client %s: offset+length overflow", c.name)
				return
			}
			// A zero-length READ/WRITE/TRIM at a sector-aligned offset is
			// in range by definition and dispatches normally; anything else
			// reaching past the export's size, or not sector-aligned, is a
			// request-level error, answered with EINVAL and no backend call,
			// connection left open. Neither case is protocol-fatal (as in
			// QEMU's nbd_co_receive_request), so neither closes the
			// connection.
			if pr.offset%SectorSize != 0 || uint64(pr.length)%SectorSize != 0 {
				pr.rep.Error = EINVAL
			} else if pr.length != 0 && (pr.offset+uint64(pr.length) > size || pr.offset > size) {
				pr.rep.Error = EINVAL
			}

			// MaxBufferSize bounds the buffer this request will need
			// allocated for its payload; TRIM carries no payload, so the
			// check is scoped to READ/WRITE only.
			if flags&(cmdReqPayload|cmdRepPayload) != 0 && int(pr.length) > c.export.MaxBufferSize() {
				c.logger.Printf("[ERROR] client %s: request too large", c.name)
				return
			}
		}

		if flags&cmdReqPayload != 0 {
			buf, ok := c.allocBuffer(pr.length)
			if !ok {
				pr.rep.Error = ENOMEM
				if _, err := io.CopyN(io.Discard, c.conn, int64(pr.length)); err != nil {
					if !isClosedErr(err) {
						c.logger.Printf("[ERROR] client %s: cannot drain write payload: %v", c.name, err)
					}
					return
				}
			} else {
				pr.reqData = buf
				if _, err := io.ReadFull(c.conn, pr.reqData); err != nil {
					if !isClosedErr(err) {
						c.logger.Printf("[ERROR] client %s: cannot read write payload: %v", c.name, err)
					}
					return
				}
			}
		}
		if flags&cmdRepPayload != 0 && pr.rep.Error == 0 {
			buf, ok := c.allocBuffer(pr.length)
			if !ok {
				pr.rep.Error = ENOMEM
			} else {
				pr.repData = buf
			}
		}

		atomic.AddInt64(&c.numInflight, 1)
		if c.metrics != nil {
			c.metrics.RequestStarted()
		}

		if pr.rep.Error == 0 && flags&cmdCheckNotReadOnly != 0 && c.export.ReadOnly() {
			pr.rep.Error = EINVAL
		}

		if pr.rep.Error != 0 {
			select {
			case c.txCh <- pr:
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case c.rxCh <- pr:
			case <-ctx.Done():
				return
			}
		}

		if atomic.LoadInt32(&c.disconnectReceived) > 0 {
			<-ctx.Done()
			return
		}
	}
}

// dispatch executes one request against the backend and forwards the
// (now-filled-in) reply to transmit. One or more of these run per
// connection, matching the teacher's worker pool. Mirrors
// Connection.Dispatch, trimmed to READ/WRITE/FLUSH/TRIM/DISC.
func (c *Client) dispatch(ctx context.Context, worker int) {
	defer func() {
		c.kill()
		c.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case pr, ok := <-c.rxCh:
			if !ok {
				return
			}
			c.execute(ctx, pr)

			switch pr.req.Command() {
			case CmdDisc:
				c.waitForInflight(1)
				if c.backend != nil {
					_ = c.backend.Flush(ctx)
				}
				c.logger.Printf("[INFO] client %s requested disconnect", c.name)
				return
			}

			select {
			case c.txCh <- pr:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execute runs the backend operation for one request, translating any
// backend error through MapErrno. Holds the client's backend gate for
// read so a SwapBackend in progress cannot race a dispatch in flight.
func (c *Client) execute(ctx context.Context, pr *pipelineRequest) {
	start := time.Now()

	c.backendGate.RLock()
	backend := c.backend
	offsetSectors := int64(pr.offset / SectorSize)
	nSectors := int64(pr.length / SectorSize)

	var err error
	switch pr.req.Command() {
	case CmdRead:
		err = backend.ReadAt(ctx, pr.repData, offsetSectors, nSectors)
	case CmdWrite:
		err = backend.WriteAt(ctx, pr.reqData, offsetSectors, nSectors)
		if err == nil && pr.req.Fua() {
			err = backend.Flush(ctx)
		}
	case CmdFlush:
		err = backend.Flush(ctx)
	case CmdTrim:
		err = backend.Discard(ctx, offsetSectors, nSectors)
	case CmdDisc:
		// handled by dispatch after execute returns.
	default:
		err = fmt.Errorf("nbd: unhandled command %d", pr.req.Command())
	}
	c.backendGate.RUnlock()

	pr.rep.Error = MapErrno(err)
	if c.metrics != nil {
		c.metrics.RequestCompleted(pr.req.Command(), pr.rep.Error, int(pr.length), time.Since(start))
	}
}

// transmit is the goroutine that serializes every reply (and any read
// payload) onto the wire in the order dispatch produced them. Mirrors
// Connection.Transmit.
func (c *Client) transmit(ctx context.Context) {
	defer func() {
		c.kill()
		c.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case pr, ok := <-c.txCh:
			if !ok {
				return
			}
			if err := binary.Write(c.conn, binary.BigEndian, pr.rep); err != nil {
				c.logger.Printf("[ERROR] client %s: cannot write reply: %v", c.name, err)
				return
			}
			if pr.flags&cmdRepPayload != 0 && pr.rep.Error == 0 && pr.repData != nil {
				if _, err := writeFull(c.conn, pr.repData); err != nil {
					c.logger.Printf("[ERROR] client %s: cannot write reply payload: %v", c.name, err)
					return
				}
			}
			<-c.sem
			atomic.AddInt64(&c.numInflight, -1)
			if c.metrics != nil {
				c.metrics.RequestFinished()
			}
		}
	}
}

func writeFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
