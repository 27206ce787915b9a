package server

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"path"
	"testing"
	"text/template"
	"time"

	"github.com/blockserve/nbdserver/nbd"

	_ "github.com/blockserve/nbdserver/backend/file"
)

const configTemplate = `
servers:
- protocol: unix
  address: {{.TempDir}}/nbd.sock
  exports:
  - name: foo
    driver: file
    path: {{.TempDir}}/nbd.img
logging:
  debug: {{.Debug}}
`

type testConfig struct {
	TempDir string
	Debug   bool
}

type nbdInstance struct {
	t       *testing.T
	tempDir string
	control *Control
	conn    net.Conn
}

var nextHandle uint64

func getHandle() uint64 {
	nextHandle++
	return nextHandle
}

func startNbd(t *testing.T, size int64) *nbdInstance {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "nbdtest")
	if err != nil {
		t.Fatalf("cannot create test directory: %v", err)
	}

	imgPath := path.Join(tempDir, "nbd.img")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatalf("cannot create backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("cannot size backing file: %v", err)
	}
	_ = f.Close()

	confPath := path.Join(tempDir, "nbd-server.yaml")
	tpl := template.Must(template.New("config").Parse(configTemplate))
	cf, err := os.Create(confPath)
	if err != nil {
		t.Fatalf("cannot create config file: %v", err)
	}
	if err := tpl.Execute(cf, testConfig{TempDir: tempDir}); err != nil {
		t.Fatalf("executing config template: %v", err)
	}
	_ = cf.Close()

	control := NewControl()
	go func() {
		if err := RunWithConfig(confPath, true, false, control); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	return &nbdInstance{t: t, tempDir: tempDir, control: control}
}

func (ni *nbdInstance) Close() {
	close(ni.control.quit)
	if ni.conn != nil {
		_ = ni.conn.Close()
	}
	time.Sleep(50 * time.Millisecond)
	_ = os.RemoveAll(ni.tempDir)
}

func (ni *nbdInstance) dial() error {
	conn, err := net.Dial("unix", path.Join(ni.tempDir, "nbd.sock"))
	if err != nil {
		return err
	}
	ni.conn = conn
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	return nil
}

func (ni *nbdInstance) readNewstyleHeader() error {
	var hdr nbd.NewStyleHeader
	if err := binary.Read(ni.conn, binary.BigEndian, &hdr); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if hdr.Magic != nbd.OldstyleMagic {
		return fmt.Errorf("bad magic %x", hdr.Magic)
	}
	if hdr.OptsMagic != nbd.OptsMagic {
		return fmt.Errorf("bad opts magic %x", hdr.OptsMagic)
	}
	if hdr.GlobalFlags&nbd.FlagFixedNewstyle == 0 {
		return fmt.Errorf("server did not advertise fixed-newstyle")
	}
	var clf nbd.ClientFlags
	clf.Flags = nbd.FlagCFixedNewstyle
	return binary.Write(ni.conn, binary.BigEndian, clf)
}

func (ni *nbdInstance) sendOpt(id uint32, payload []byte) error {
	opt := nbd.ClientOpt{Magic: nbd.OptsMagic, ID: id, Len: uint32(len(payload))}
	if err := binary.Write(ni.conn, binary.BigEndian, opt); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := ni.conn.Write(payload)
		return err
	}
	return nil
}

func (ni *nbdInstance) readOptReply() (nbd.OptReply, []byte, error) {
	var or nbd.OptReply
	if err := binary.Read(ni.conn, binary.BigEndian, &or); err != nil {
		return or, nil, err
	}
	if or.Magic != nbd.RepMagic {
		return or, nil, fmt.Errorf("bad option reply magic %x", or.Magic)
	}
	payload := make([]byte, or.Length)
	if or.Length > 0 {
		if _, err := readFull(ni.conn, payload); err != nil {
			return or, nil, err
		}
	}
	return or, payload, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (ni *nbdInstance) list() ([]string, error) {
	if err := ni.sendOpt(nbd.OptList, nil); err != nil {
		return nil, err
	}
	var names []string
	for {
		or, payload, err := ni.readOptReply()
		if err != nil {
			return nil, err
		}
		if or.Type == nbd.RepAck {
			return names, nil
		}
		if or.Type != nbd.RepServer {
			return nil, fmt.Errorf("unexpected list reply type %x", or.Type)
		}
		namelen := binary.BigEndian.Uint32(payload)
		names = append(names, string(payload[4:4+namelen]))
	}
}

func (ni *nbdInstance) abort() error {
	if err := ni.sendOpt(nbd.OptAbort, nil); err != nil {
		return err
	}
	or, _, err := ni.readOptReply()
	if err != nil {
		return err
	}
	if or.Type != nbd.RepAck {
		return fmt.Errorf("abort: unexpected reply type %x", or.Type)
	}
	return nil
}

func (ni *nbdInstance) exportName(name string) (nbd.ExportDetails, error) {
	if err := ni.sendOpt(nbd.OptExportName, []byte(name)); err != nil {
		return nbd.ExportDetails{}, err
	}
	var ed nbd.ExportDetails
	err := binary.Read(ni.conn, binary.BigEndian, &ed)
	return ed, err
}

func (ni *nbdInstance) request(cmd uint16, offset uint64, length uint32, payload []byte) (nbd.Reply, []byte, error) {
	req := nbd.Request{
		Magic:       nbd.RequestMagic,
		CommandType: uint32(cmd),
		Handle:      getHandle(),
		Offset:      offset,
		Length:      length,
	}
	if err := binary.Write(ni.conn, binary.BigEndian, req); err != nil {
		return nbd.Reply{}, nil, err
	}
	if len(payload) > 0 {
		if _, err := ni.conn.Write(payload); err != nil {
			return nbd.Reply{}, nil, err
		}
	}
	if cmd == nbd.CmdDisc {
		return nbd.Reply{}, nil, nil
	}
	var rep nbd.Reply
	if err := binary.Read(ni.conn, binary.BigEndian, &rep); err != nil {
		return rep, nil, err
	}
	if rep.Error != 0 {
		return rep, nil, nil
	}
	if cmd == nbd.CmdRead {
		buf := make([]byte, length)
		if _, err := readFull(ni.conn, buf); err != nil {
			return rep, nil, err
		}
		return rep, buf, nil
	}
	return rep, nil, nil
}

func TestListAndAbort(t *testing.T) {
	ni := startNbd(t, 1024*1024)
	defer ni.Close()

	if err := ni.dial(); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := ni.readNewstyleHeader(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	names, err := ni.list()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "foo" {
		t.Fatalf("unexpected export list: %v", names)
	}
	if err := ni.abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
}

func TestReadWriteFlushTrim(t *testing.T) {
	size := int64(4 * 1024 * 1024)
	ni := startNbd(t, size)
	defer ni.Close()

	if err := ni.dial(); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := ni.readNewstyleHeader(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	ed, err := ni.exportName("foo")
	if err != nil {
		t.Fatalf("export name: %v", err)
	}
	if ed.Size != uint64(size) {
		t.Fatalf("unexpected export size: %d", ed.Size)
	}
	if ed.Flags&nbd.FlagSendFlush == 0 || ed.Flags&nbd.FlagSendTrim == 0 {
		t.Fatalf("expected flush/trim support, got flags %x", ed.Flags)
	}

	data := bytes.Repeat([]byte{0x5a}, 4096)
	if _, _, err := ni.request(nbd.CmdWrite, 0, uint32(len(data)), data); err != nil {
		t.Fatalf("write: %v", err)
	}
	rep, got, err := ni.request(nbd.CmdRead, 0, uint32(len(data)), nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rep.Error != 0 {
		t.Fatalf("read returned errno %d", rep.Error)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back different data than written")
	}
	if rep, _, err := ni.request(nbd.CmdFlush, 0, 0, nil); err != nil || rep.Error != 0 {
		t.Fatalf("flush: err=%v errno=%d", err, rep.Error)
	}
	if rep, _, err := ni.request(nbd.CmdTrim, 0, uint32(len(data)), nil); err != nil || rep.Error != 0 {
		t.Fatalf("trim: err=%v errno=%d", err, rep.Error)
	}

	rep, _, err = ni.request(nbd.CmdRead, uint64(size), 512, nil)
	if err != nil {
		t.Fatalf("out-of-range read: %v", err)
	}
	if rep.Error != nbd.EINVAL {
		t.Fatalf("expected EINVAL for an out-of-range read, got errno %d", rep.Error)
	}

	// the connection stays open after a request-level error
	if rep, _, err := ni.request(nbd.CmdFlush, 0, 0, nil); err != nil || rep.Error != 0 {
		t.Fatalf("flush after out-of-range read: err=%v errno=%d", err, rep.Error)
	}

	zrep, zgot, err := ni.request(nbd.CmdRead, 0, 0, nil)
	if err != nil {
		t.Fatalf("zero-length read: %v", err)
	}
	if zrep.Error != 0 {
		t.Fatalf("zero-length read returned errno %d", zrep.Error)
	}
	if len(zgot) != 0 {
		t.Fatalf("zero-length read returned %d bytes", len(zgot))
	}
}

func TestReadOnlyExportRejectsWrite(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "nbdtest")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(tempDir)

	imgPath := path.Join(tempDir, "nbd.img")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(1024 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	_ = f.Close()

	confPath := path.Join(tempDir, "nbd-server.yaml")
	conf := fmt.Sprintf(`
servers:
- protocol: unix
  address: %s/nbd.sock
  exports:
  - name: ro
    driver: file
    readonly: true
    path: %s
logging:
`, tempDir, imgPath)
	if err := os.WriteFile(confPath, []byte(conf), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	control := NewControl()
	go func() { _ = RunWithConfig(confPath, true, false, control) }()
	defer close(control.quit)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("unix", path.Join(tempDir, "nbd.sock"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	ni := &nbdInstance{t: t, conn: conn}
	if err := ni.readNewstyleHeader(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := ni.exportName("ro"); err != nil {
		t.Fatalf("export name: %v", err)
	}
	rep, _, err := ni.request(nbd.CmdWrite, 0, 4096, bytes.Repeat([]byte{1}, 4096))
	if err != nil {
		t.Fatalf("write request: %v", err)
	}
	if rep.Error != nbd.EINVAL {
		t.Fatalf("expected EINVAL rejecting write to read-only export, got %d", rep.Error)
	}
}

func TestOldstyleHandshake(t *testing.T) {
	size := int64(1024 * 1024)
	tempDir, err := os.MkdirTemp("", "nbdtest")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(tempDir)

	imgPath := path.Join(tempDir, "nbd.img")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	_ = f.Close()

	confPath := path.Join(tempDir, "nbd-server.yaml")
	conf := fmt.Sprintf(`
servers:
- protocol: unix
  address: %s/nbd.sock
  oldstyle: true
  exports:
  - name: foo
    driver: file
    path: %s
logging:
`, tempDir, imgPath)
	if err := os.WriteFile(confPath, []byte(conf), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	control := NewControl()
	go func() { _ = RunWithConfig(confPath, true, false, control) }()
	defer close(control.quit)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("unix", path.Join(tempDir, "nbd.sock"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// the oldstyle handshake has no option phase: the server sends the
	// full 152-byte block unprompted, and the client may request straight
	// away.
	var hdr nbd.OldStyleHeader
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		t.Fatalf("read oldstyle header: %v", err)
	}
	if hdr.Magic != nbd.OldstyleMagic {
		t.Fatalf("bad magic %x", hdr.Magic)
	}
	if hdr.ClientMagic != nbd.ClientMagic {
		t.Fatalf("bad client magic %x", hdr.ClientMagic)
	}
	if hdr.Size != uint64(size) {
		t.Fatalf("unexpected export size: %d", hdr.Size)
	}

	ni := &nbdInstance{t: t, conn: conn}
	data := bytes.Repeat([]byte{0x7e}, 4096)
	if _, _, err := ni.request(nbd.CmdWrite, 0, uint32(len(data)), data); err != nil {
		t.Fatalf("write: %v", err)
	}
	rep, got, err := ni.request(nbd.CmdRead, 0, uint32(len(data)), nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rep.Error != 0 {
		t.Fatalf("read returned errno %d", rep.Error)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back different data than written")
	}
}

func TestUnsupportedOptionClosesConnection(t *testing.T) {
	ni := startNbd(t, 1024*1024)
	defer ni.Close()

	if err := ni.dial(); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := ni.readNewstyleHeader(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// an option ID the server doesn't recognize gets ERR_UNSUP, and the
	// connection is then closed rather than left open for another option.
	const optUnknown = 0xffff
	if err := ni.sendOpt(optUnknown, nil); err != nil {
		t.Fatalf("send unsupported option: %v", err)
	}
	or, _, err := ni.readOptReply()
	if err != nil {
		t.Fatalf("read option reply: %v", err)
	}
	if or.Type != nbd.RepErrUnsup {
		t.Fatalf("expected ERR_UNSUP, got reply type %x", or.Type)
	}

	_ = ni.conn.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := ni.conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after unsupported option, read %d bytes", n)
	}
}

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}
