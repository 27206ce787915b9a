package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// negotiate drives the two-phase handshake: oldstyle straight to a
// pre-selected export, or fixed-newstyle option negotiation down to
// EXPORT_NAME/ABORT/LIST. Mirrors Connection.Negotiate, trimmed to the
// option set SPEC_FULL.md names (no STARTTLS/INFO/GO: this server never
// advertises TLS or structured replies).
func (c *Client) negotiate(ctx context.Context) error {
	if err := c.conn.SetDeadline(time.Now().Add(negotiationTimeout)); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})

	if c.preselected != nil {
		return c.negotiateOldstyle(ctx)
	}
	return c.negotiateNewstyle(ctx)
}

// negotiateOldstyle emits the full 152-byte oldstyle block for the
// pre-selected export and attaches the client to it. There is no option
// phase: the client may start sending requests immediately after.
func (c *Client) negotiateOldstyle(ctx context.Context) error {
	exp := c.preselected
	exp.get()
	hdr := OldStyleHeader{
		Magic:       OldstyleMagic,
		ClientMagic: ClientMagic,
		Size:        exp.Size(),
		Flags:       uint32(exp.Flags()),
	}
	if err := binary.Write(c.conn, binary.BigEndian, hdr); err != nil {
		exp.put(ctx)
		return fmt.Errorf("nbd: cannot write oldstyle header: %w", err)
	}
	c.attachExport(exp)
	return nil
}

// negotiateNewstyle speaks fixed-newstyle: server header, client flags,
// then an option loop until EXPORT_NAME selects an export or ABORT ends
// the handshake cleanly.
func (c *Client) negotiateNewstyle(ctx context.Context) error {
	hdr := NewStyleHeader{
		Magic:       OldstyleMagic,
		OptsMagic:   OptsMagic,
		GlobalFlags: FlagFixedNewstyle,
	}
	if err := binary.Write(c.conn, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("nbd: cannot write newstyle header: %w", err)
	}

	var clf ClientFlags
	if err := binary.Read(c.conn, binary.BigEndian, &clf); err != nil {
		return fmt.Errorf("nbd: cannot read client flags: %w", err)
	}

	for {
		var opt ClientOpt
		if err := binary.Read(c.conn, binary.BigEndian, &opt); err != nil {
			return fmt.Errorf("nbd: cannot read option: %w", err)
		}
		if opt.Magic != OptsMagic {
			return errors.New("nbd: bad option magic")
		}
		if opt.Len > 65536 {
			return errors.New("nbd: option payload too large")
		}

		switch opt.ID {
		case OptExportName:
			return c.handleExportName(ctx, opt)
		case OptAbort:
			if err := skipBytes(c.conn, opt.Len); err != nil {
				return err
			}
			_ = c.sendOptReply(opt.ID, RepAck, nil)
			return nil
		case OptList:
			if err := skipBytes(c.conn, opt.Len); err != nil {
				return err
			}
			if opt.Len != 0 {
				if err := c.sendOptReply(opt.ID, RepErrInvalid, nil); err != nil {
					return err
				}
				continue
			}
			if err := c.handleList(opt); err != nil {
				return err
			}
		default:
			if err := skipBytes(c.conn, opt.Len); err != nil {
				return err
			}
			if err := c.sendOptReply(opt.ID, RepErrUnsup, nil); err != nil {
				return err
			}
			return fmt.Errorf("nbd: unsupported option %d", opt.ID)
		}
	}
}

func (c *Client) handleExportName(ctx context.Context, opt ClientOpt) error {
	if opt.Len > MaxExportNameLength {
		return errors.New("nbd: export name too long")
	}
	name := make([]byte, opt.Len)
	if _, err := io.ReadFull(c.conn, name); err != nil {
		return fmt.Errorf("nbd: cannot read export name: %w", err)
	}

	exp := c.registry.Find(string(name))
	if exp == nil {
		// NBD_OPT_EXPORT_NAME has no error reply: the only correct
		// response to an unknown export is to drop the connection.
		return fmt.Errorf("nbd: export %q not found", string(name))
	}
	exp.get()

	ed := ExportDetails{
		Size:  exp.Size(),
		Flags: exp.Flags(),
	}
	if err := binary.Write(c.conn, binary.BigEndian, ed); err != nil {
		exp.put(ctx)
		return fmt.Errorf("nbd: cannot write export details: %w", err)
	}
	c.attachExport(exp)
	return nil
}

func (c *Client) handleList(opt ClientOpt) error {
	for _, exp := range c.registry.List() {
		name := []byte(exp.Name())
		payload := make([]byte, 4+len(name))
		binary.BigEndian.PutUint32(payload, uint32(len(name)))
		copy(payload[4:], name)
		if err := c.sendOptReply(opt.ID, RepServer, payload); err != nil {
			return err
		}
	}
	return c.sendOptReply(opt.ID, RepAck, nil)
}

func (c *Client) sendOptReply(id, repType uint32, payload []byte) error {
	or := OptReply{
		Magic:  RepMagic,
		ID:     id,
		Type:   repType,
		Length: uint32(len(payload)),
	}
	if err := binary.Write(c.conn, binary.BigEndian, or); err != nil {
		return fmt.Errorf("nbd: cannot write option reply: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("nbd: cannot write option reply payload: %w", err)
		}
	}
	return nil
}

// attachExport finishes selecting exp for this connection: it registers
// the client with the export (taking the attach reference) and releases
// the lookup reference taken while resolving the name, leaving exactly
// one reference (the attach) outstanding on behalf of this client.
func (c *Client) attachExport(exp *Export) {
	c.export = exp
	c.backend = exp.Backend()
	exp.attachClient(c)
	exp.put(context.Background())
}

func skipBytes(r io.Reader, n uint32) error {
	for n > 0 {
		l := n
		if l > 4096 {
			l = 4096
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		n -= l
	}
	return nil
}
