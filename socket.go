package brpc

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// SocketId names an interned connection handle in the socket map.
type SocketId uint64

const InvalidSocketId SocketId = 0

// Wire frame shared by every registered protocol: the envelope carries the
// correlation id and a framework errno, the payload is protocol-owned.
//
//	"BRPC" | cid uint64 | errno int32 | len uint32 | payload
var frameMagic = [4]byte{'B', 'R', 'P', 'C'}

const maxFramePayload = 64 << 20

// socketDialer is the connection factory; tests substitute an in-process
// fake.
var socketDialer = func(ep Endpoint, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", ep.String(), timeout)
}

// Socket owns the connections to one endpoint, one discipline each:
// a shared pipelined connection (single), a bounded free-list (pooled),
// per-call connections (short).
type Socket struct {
	id     SocketId
	remote Endpoint
	logger Logger

	mu     sync.Mutex
	shared *connection
	pool   chan *connection
	failed int32
}

func newSocket(id SocketId, remote Endpoint, poolCap int) *Socket {
	if poolCap <= 0 {
		poolCap = 32
	}
	return &Socket{
		id:     id,
		remote: remote,
		logger: defaultLogger,
		pool:   make(chan *connection, poolCap),
	}
}

func (s *Socket) Id() SocketId     { return s.id }
func (s *Socket) Remote() Endpoint { return s.remote }

// Addressable reports whether the socket is usable: it exists and its last
// connection did not fail without recovery.
func (s *Socket) Addressable() bool {
	return atomic.LoadInt32(&s.failed) == 0
}

func (s *Socket) setFailed() {
	atomic.StoreInt32(&s.failed, 1)
}

func (s *Socket) setRecovered() {
	atomic.StoreInt32(&s.failed, 0)
}

// Write packs data onto a connection chosen by the call's connection type.
// Responses come back asynchronously against the correlation id carried in
// the frame; a synchronous error here means nothing was sent.
func (s *Socket) Write(cntl *Controller, data []byte, cid CallId) error {
	switch cntl.connectionType {
	case ConnTypePooled:
		conn, err := s.takePooledConn(cntl)
		if err != nil {
			return err
		}
		if err := conn.writeFrame(cid, OK, data); err != nil {
			conn.close()
			return err
		}
		go conn.readOne(func() { s.recycle(conn) })
		return nil
	case ConnTypeShort:
		conn, err := s.dialConn(cntl)
		if err != nil {
			return err
		}
		if err := conn.writeFrame(cid, OK, data); err != nil {
			conn.close()
			return err
		}
		go conn.readOne(conn.close)
		return nil
	default: // single
		conn, err := s.sharedConn(cntl)
		if err != nil {
			return err
		}
		if err := conn.writeFrame(cid, OK, data); err != nil {
			s.dropShared(conn)
			return err
		}
		return nil
	}
}

func (s *Socket) sharedConn(cntl *Controller) (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shared != nil && !s.shared.isClosed() {
		return s.shared, nil
	}
	conn, err := s.dialConnLocked(cntl)
	if err != nil {
		return nil, err
	}
	s.shared = conn
	go conn.readLoop(func() { s.dropShared(conn) })
	return conn, nil
}

func (s *Socket) dropShared(conn *connection) {
	s.mu.Lock()
	if s.shared == conn {
		s.shared = nil
	}
	s.mu.Unlock()
	conn.close()
}

func (s *Socket) takePooledConn(cntl *Controller) (*connection, error) {
	for {
		select {
		case conn := <-s.pool:
			if conn.isClosed() {
				continue
			}
			return conn, nil
		default:
			return s.dialConn(cntl)
		}
	}
}

func (s *Socket) recycle(conn *connection) {
	if conn.isClosed() {
		return
	}
	select {
	case s.pool <- conn:
	default:
		conn.close()
	}
}

func (s *Socket) dialConn(cntl *Controller) (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialConnLocked(cntl)
}

func (s *Socket) dialConnLocked(cntl *Controller) (*connection, error) {
	timeout := time.Duration(cntl.connectTimeoutMs) * time.Millisecond
	// the call deadline truncates the connect deadline
	if cntl.abstimeUs >= 0 {
		if rem := time.Until(absTime(cntl.abstimeUs)); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return nil, errors.New("no time left to connect")
	}
	c, err := socketDialer(s.remote, timeout)
	if err != nil {
		s.setFailed()
		return nil, errors.Wrapf(err, "connect to %s", s.remote)
	}
	s.setRecovered()
	return newConnection(s, c), nil
}

// Close tears down every connection. The socket stays addressable through
// the map until its refcount drops to zero.
func (s *Socket) Close() {
	s.mu.Lock()
	shared := s.shared
	s.shared = nil
	s.mu.Unlock()
	if shared != nil {
		shared.close()
	}
	for {
		select {
		case conn := <-s.pool:
			conn.close()
		default:
			return
		}
	}
}

type connection struct {
	sock   *Socket
	c      net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	wmu    sync.Mutex
	closed int32
}

func newConnection(s *Socket, c net.Conn) *connection {
	return &connection{
		sock: s,
		c:    c,
		br:   bufio.NewReader(c),
		bw:   bufio.NewWriter(c),
	}
}

func (conn *connection) isClosed() bool {
	return atomic.LoadInt32(&conn.closed) == 1
}

func (conn *connection) close() {
	if atomic.CompareAndSwapInt32(&conn.closed, 0, 1) {
		conn.c.Close()
	}
}

func (conn *connection) writeFrame(cid CallId, errno Errno, payload []byte) error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	var head [20]byte
	copy(head[:4], frameMagic[:])
	binary.BigEndian.PutUint64(head[4:12], uint64(cid))
	binary.BigEndian.PutUint32(head[12:16], uint32(int32(errno)))
	binary.BigEndian.PutUint32(head[16:20], uint32(len(payload)))
	if _, err := conn.bw.Write(head[:]); err != nil {
		return err
	}
	if _, err := conn.bw.Write(payload); err != nil {
		return err
	}
	return conn.bw.Flush()
}

func readFrame(br *bufio.Reader) (CallId, Errno, []byte, error) {
	var head [20]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return 0, OK, nil, err
	}
	if [4]byte(head[:4]) != frameMagic {
		return 0, OK, nil, errors.New("bad frame magic")
	}
	cid := CallId(binary.BigEndian.Uint64(head[4:12]))
	errno := Errno(int32(binary.BigEndian.Uint32(head[12:16])))
	n := binary.BigEndian.Uint32(head[16:20])
	if n > maxFramePayload {
		return 0, OK, nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return 0, OK, nil, err
	}
	return cid, errno, payload, nil
}

// readLoop serves a pipelined shared connection until it breaks.
func (conn *connection) readLoop(onBroken func()) {
	for {
		cid, errno, payload, err := readFrame(conn.br)
		if err != nil {
			if !conn.isClosed() {
				conn.sock.logger.Warnf("brpc: connection to %s broken: %v",
					conn.sock.remote, err)
				conn.sock.setFailed()
			}
			onBroken()
			return
		}
		callIds.postEvent(cid, idEvent{errno: errno, payload: payload})
	}
}

// readOne consumes a single response, for pooled and short connections that
// carry one call at a time.
func (conn *connection) readOne(done func()) {
	cid, errno, payload, err := readFrame(conn.br)
	if err != nil {
		if !conn.isClosed() {
			conn.sock.logger.Warnf("brpc: connection to %s broken: %v",
				conn.sock.remote, err)
		}
		conn.close()
		done()
		return
	}
	done()
	callIds.postEvent(cid, idEvent{errno: errno, payload: payload})
}

// errnoFromTransport maps a transport error to the errno surfaced on the
// Controller.
func errnoFromTransport(err error) Errno {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ECONNREFUSED
	}
	if errors.Is(err, syscall.EHOSTDOWN) || errors.Is(err, syscall.EHOSTUNREACH) {
		return EHOSTDOWN
	}
	return EFAILEDSOCKET
}
