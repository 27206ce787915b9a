// Package nbd implements the server side of the Network Block Device protocol:
// the two-phase handshake, the request/reply wire codec, the export registry,
// and the per-connection request pipeline.
package nbd

import "errors"

/* --- START OF NBD PROTOCOL SECTION --- */

// this section is in essence a transcription of the protocol from NBD's
// proto.md; note that that file is *not* GPL. For details of what the
// options mean, see proto.md

// NBD commands
const (
	CmdRead  = 0
	CmdWrite = 1
	CmdDisc  = 2
	CmdFlush = 3
	CmdTrim  = 4
)

// NBD command flags
const (
	CmdFlagFua = uint32(1 << 16)
)

// NBD negotiation flags
const (
	FlagHasFlags  = uint16(1 << 0)
	FlagReadOnly  = uint16(1 << 1)
	FlagSendFlush = uint16(1 << 2)
	FlagSendFua   = uint16(1 << 3)
	FlagSendTrim  = uint16(1 << 5)
)

// NBD magic numbers
const (
	OldstyleMagic = 0x4e42444d41474943
	ClientMagic   = 0x00420281861253
	RequestMagic  = 0x25609513
	ReplyMagic    = 0x67446698
	OptsMagic     = 0x49484156454F5054
	RepMagic      = 0x0003e889045565a9
)

// NBD default port
const DefaultPort = 10809

// NBD options
const (
	OptExportName = 1
	OptAbort      = 2
	OptList       = 3
)

// NBD option reply types
const (
	RepAck        = uint32(1)
	RepServer     = uint32(2)
	RepFlagError  = uint32(1 << 31)
	RepErrUnsup   = uint32(1) | RepFlagError
	RepErrInvalid = uint32(3) | RepFlagError
)

// NBD handshake flags
const FlagFixedNewstyle = 1 << 0

// NBD client flags
const FlagCFixedNewstyle = 1 << 0

// NBD errors, as carried in a Reply.Error field
const (
	EPERM  = 1
	EIO    = 5
	ENOMEM = 12
	EINVAL = 22
	ENOSPC = 28
)

// SectorSize is the granularity backend offsets and lengths are aligned to.
const SectorSize = 512

// MaxExportNameLength is the largest export name, in bytes, accepted during
// NBD_OPT_EXPORT_NAME.
const MaxExportNameLength = 255

// MaxInFlight is the default cap on requests a client may have outstanding
// (received, not yet replied) simultaneously.
const MaxInFlight = 16

// MaxBufferSize is the default largest length a single READ/WRITE may carry.
const MaxBufferSize = 32 * 1024 * 1024

// NewStyleHeader is the fixed-newstyle negotiation header sent first.
type NewStyleHeader struct {
	Magic       uint64
	OptsMagic   uint64
	GlobalFlags uint16
}

// OldStyleHeader is the 152-byte oldstyle handshake block, sent in full when
// the listener has pre-selected an export for the connection.
type OldStyleHeader struct {
	Magic       uint64
	ClientMagic uint64
	Size        uint64
	Flags       uint32
	Reserved    [124]byte
}

// ClientFlags carries the client's newstyle handshake flags.
type ClientFlags struct {
	Flags uint32
}

// ClientOpt is one newstyle option frame header; Len bytes of payload follow
// on the wire.
type ClientOpt struct {
	Magic uint64
	ID    uint32
	Len   uint32
}

// ExportDetails is the reply body to a successful NBD_OPT_EXPORT_NAME.
type ExportDetails struct {
	Size  uint64
	Flags uint16
}

// OptReply is one newstyle option reply header; Length bytes of payload
// follow on the wire.
type OptReply struct {
	Magic  uint64
	ID     uint32
	Type   uint32
	Length uint32
}

// Request is the 28-byte request header a client sends for every command.
type Request struct {
	Magic        uint32
	CommandType  uint32
	Handle       uint64
	Offset       uint64
	Length       uint32
}

// Command returns the low 16 bits of CommandType (the command code).
func (r *Request) Command() uint16 { return uint16(r.CommandType) }

// Fua reports whether the FUA flag (bit 1<<16) is set.
func (r *Request) Fua() bool { return r.CommandType&uint32(CmdFlagFua) != 0 }

// Reply is the 16-byte simple reply header.
type Reply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

/* --- END OF NBD PROTOCOL SECTION --- */

// Our internal flags characterizing each command, analogous to the
// teacher's CmdTypeMap, trimmed to the five commands the spec names.
const (
	cmdCheckLengthOffset = 1 << iota // length and offset must be validated against export size
	cmdReqPayload                    // request carries a payload (WRITE)
	cmdRepPayload                    // reply carries a payload (READ)
	cmdCheckNotReadOnly              // rejected with EINVAL on a read-only export
	cmdDisconnect                    // DISC: close without a reply
)

var cmdFlags = map[uint16]uint64{
	CmdRead:  cmdCheckLengthOffset | cmdRepPayload,
	CmdWrite: cmdCheckLengthOffset | cmdReqPayload | cmdCheckNotReadOnly,
	CmdDisc:  cmdDisconnect,
	CmdFlush: 0,
	CmdTrim:  cmdCheckLengthOffset | cmdCheckNotReadOnly,
}

// Sentinel backend errors. Backend implementations should wrap one of these
// with fmt.Errorf("...: %w", ErrIO) (etc.) so that MapErrno can translate the
// failure to the correct NBD wire error code; any error that doesn't wrap one
// of these is mapped to EINVAL.
var (
	ErrPermission = errors.New("nbd: operation not permitted")
	ErrIO         = errors.New("nbd: input/output error")
	ErrNoMemory   = errors.New("nbd: cannot allocate memory")
	ErrNoSpace    = errors.New("nbd: no space left on device")
)

// MapErrno translates a backend error into the NBD wire error code.
//
// EROFS does not appear in the NBD errno table. The original C reference
// implementation's system_errno_to_nbd_errno has no EROFS case and falls
// through to its default branch, returning NBD_EINVAL; read-only-write
// rejection is mapped the same way here rather than to EPERM.
func MapErrno(err error) uint32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrPermission):
		return EPERM
	case errors.Is(err, ErrIO):
		return EIO
	case errors.Is(err, ErrNoMemory):
		return ENOMEM
	case errors.Is(err, ErrNoSpace):
		return ENOSPC
	default:
		return EINVAL
	}
}
