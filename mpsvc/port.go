package mpsvc

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/mcall"
	"github.com/ehrlich-b/lola-shm/wire"
)

// PortDir is the directory named message-passing ports are rooted under,
// mirroring package flock's test-overridable Dir var so tests can run many
// fake "processes" against scratch paths in parallel.
var PortDir = "/dev/shm/lola/ports"

// PortPath returns the filesystem path backing pid's named port at the
// given quality level, the local-transport stand-in for the fixed
// "/LoLa_<pid>_QM" / "/LoLa_<pid>_ASIL_B" port names every LoLa process
// binds on its own host.
func PortPath(pid int32, level QualityLevel) string {
	suffix := "QM"
	if level == QualityASILB {
		suffix = "ASIL_B"
	}
	return filepath.Join(PortDir, fmt.Sprintf("LoLa_%d_%s", pid, suffix))
}

// dispatchFunc handles one decoded message-passing datagram arriving at a
// port: the message kind and its payload bytes. The port's quality level
// is not passed; the Service binds it into the closure it registers.
type dispatchFunc func(kind wire.MsgKind, payload []byte)

// port is a named, listening endpoint one quality level of one process's
// Service binds, backed by a Unix domain socket rather than a POSIX
// mqueue, since the latter has no portable Go binding. Any other process
// that knows the target pid can Dial the same path and address it
// directly, without a broker.
type port struct {
	path      string
	ln        net.Listener
	log       zerolog.Logger
	dispatch  dispatchFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// listenPort binds pid's named port for level and starts accepting
// connections in the background, each decoded datagram handed to dispatch.
func listenPort(pid int32, level QualityLevel, log zerolog.Logger, dispatch dispatchFunc) (*port, error) {
	path := PortPath(pid, level)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap("mpsvc.listenPort", err)
	}
	os.Remove(path) // a stale socket left by a prior process that held this pid

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap("mpsvc.listenPort", err)
	}
	p := &port{path: path, ln: ln, log: log, dispatch: dispatch}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *port) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

func (p *port) handleConn(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hdrBuf); err != nil {
		return
	}
	var hdr wire.Header
	if err := hdr.UnmarshalBinary(hdrBuf); err != nil {
		p.log.Warn().Err(err).Msg("message-passing port received malformed header")
		return
	}
	payload := make([]byte, hdr.Len)
	if hdr.Len > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
	}
	p.dispatch(hdr.Kind, payload)
}

// Close stops accepting new connections, waits for in-flight ones to
// finish, and removes the backing socket file.
func (p *port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.ln.Close()
		p.wg.Wait()
		os.Remove(p.path)
	})
	return err
}

// marshaler is the subset of encoding.BinaryMarshaler the wire payload
// types implement; named locally to avoid importing encoding just for this.
type marshaler interface {
	MarshalBinary() ([]byte, error)
}

// sendToPID dials targetPID's named port at level and writes one
// length-prefixed datagram carrying kind/payload. It is the out-of-band
// send path every cross-process registration, notification, and outdated-
// pid message goes through.
func sendToPID(targetPID int32, level QualityLevel, kind wire.MsgKind, payload marshaler) error {
	body, err := payload.MarshalBinary()
	if err != nil {
		return errors.Wrap("mpsvc.sendToPID", err)
	}
	hdr := wire.Header{Kind: kind, Len: uint32(len(body))}
	hdrBytes, _ := hdr.MarshalBinary()

	buf := mcall.GetBuffer(len(hdrBytes) + len(body))
	defer mcall.PutBuffer(buf)
	buf = append(buf[:0], hdrBytes...)
	buf = append(buf, body...)

	conn, err := net.Dial("unix", PortPath(targetPID, level))
	if err != nil {
		return errors.New("mpsvc.sendToPID", errors.CodeCommunicationLinkError,
			"no port listening for target pid: "+err.Error())
	}
	defer conn.Close()
	if _, err := conn.Write(buf); err != nil {
		return errors.Wrap("mpsvc.sendToPID", err)
	}
	return nil
}
