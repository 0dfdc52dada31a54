package tcpserver

import (
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// ConnContext wraps one accepted socket with a read callback and a
// write queue whose caller blocks for the real socket-write outcome.
// It carries no protocol knowledge of its own; the gateway supervisor
// owns framing and decoding.
type ConnContext struct {
	s      *Server
	c      net.Conn
	id     uint64
	writeC chan writeRequest
	closed int32
	onRead func([]byte)
	doneC  chan struct{}
}

// writeRequest carries one queued frame plus the channel its caller
// blocks on for the actual net.Conn.Write outcome. Queueing still
// smooths bursts against a slow peer, but Write no longer returns
// until the frame has actually gone out (or failed), so a caller that
// deletes state on a nil error (command ack, presence writes) is
// deleting it on a true delivery, not just an enqueue.
type writeRequest struct {
	data   []byte
	result chan error
}

func newConnContext(s *Server, c net.Conn) *ConnContext {
	return &ConnContext{
		s:      s,
		c:      c,
		id:     atomic.AddUint64(&s.nextConnID, 1),
		writeC: make(chan writeRequest, 128),
		doneC:  make(chan struct{}),
	}
}

// ID returns the connection's process-local sequence number.
func (cc *ConnContext) ID() uint64 { return cc.id }

// RemoteAddr returns the socket's remote address.
func (cc *ConnContext) RemoteAddr() net.Addr { return cc.c.RemoteAddr() }

// Server returns the owning Server, for logger/metrics access.
func (cc *ConnContext) Server() *Server { return cc.s }

// SetOnRead installs the callback invoked with each inbound read.
func (cc *ConnContext) SetOnRead(h func([]byte)) { cc.onRead = h }

// Write queues b for delivery and blocks until the write loop has
// actually handed it to the socket, returning that write's error. An
// already-closed connection fails fast; a full queue waits up to the
// write timeout for room before failing without touching the socket.
// Callers that delete state on a nil return (an
// acked command row, a presence update) are reacting to a confirmed
// delivery, not a mere enqueue.
func (cc *ConnContext) Write(b []byte) error {
	if atomic.LoadInt32(&cc.closed) == 1 {
		return errors.New("connection closed")
	}
	// Copy so the caller is free to reuse its buffer.
	dup := make([]byte, len(b))
	copy(dup, b)
	to := cc.s.cfg.WriteTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	req := writeRequest{data: dup, result: make(chan error, 1)}
	select {
	case cc.writeC <- req:
	case <-time.After(to):
		return errors.New("write queue timeout")
	}
	select {
	case err := <-req.result:
		return err
	case <-time.After(to):
		return errors.New("write result timeout")
	}
}

// Close closes the connection and its write queue.
func (cc *ConnContext) Close() error {
	if !atomic.CompareAndSwapInt32(&cc.closed, 0, 1) {
		return nil
	}
	close(cc.writeC)
	return cc.c.Close()
}

// run drives the read/write loop until the connection ends.
func (cc *ConnContext) run() {
	defer cc.Close()
	_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
	_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))

	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		for req := range cc.writeC {
			if cc.s.cfg.WriteTimeout > 0 {
				_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))
			}
			_, err := cc.c.Write(req.data)
			req.result <- err
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := cc.c.Read(buf)
		if n > 0 {
			if cc.s.onRecvBytes != nil {
				cc.s.onRecvBytes(n)
			}
			if cc.onRead != nil {
				cc.onRead(buf[:n])
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Read deadline hit with no protocol-level data gap;
				// refresh the deadline and keep reading.
				if cc.s.cfg.ReadTimeout > 0 {
					_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
				}
				continue
			}
			break
		}
	}
	<-doneW
	select {
	case <-cc.doneC:
	default:
		close(cc.doneC)
	}
}

// Done returns the channel closed once the connection has ended.
func (cc *ConnContext) Done() <-chan struct{} { return cc.doneC }
