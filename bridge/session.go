package bridge

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/temoto/sensorbridge/helpers"
	"github.com/temoto/sensorbridge/helpers/atomic_clock"
	"github.com/temoto/sensorbridge/log2"
)

// session is one accepted connection, dashboard or slave.
// It is registry handle for slaves: writes come from other sessions goroutines.
type session struct {
	mu      sync.Mutex // serializes writes
	conn    net.Conn
	err     helpers.AtomicError
	last    atomic_clock.Clock
	log     *log2.Log
	r       io.Reader
	w       io.Writer
	timeout time.Duration
}

func newSession(conn net.Conn, s *Server) *session {
	c := &session{
		conn:    conn,
		log:     s.log,
		timeout: s.opt.NetworkTimeout,
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c.r = helpers.NewStatReader(conn, &s.stat.RecvBytes)
	c.w = helpers.NewStatWriter(conn, &s.stat.SendBytes)
	c.last.SetNow()
	return c
}

func (c *session) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.last.SetNow()
	}
	return n, err
}

// Write sends all of b or kills session.
func (c *session) Write(b []byte) (int, error) {
	if err, closed := c.err.Load(); closed {
		return 0, err
	}
	c.mu.Lock()
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	err := c.conn.SetWriteDeadline(deadline)
	if err == nil {
		err = helpers.WriteAll(c.w, b)
	}
	c.mu.Unlock()
	if err != nil {
		_ = c.die(err)
		return 0, err
	}
	c.log.Hexdump("send "+c.String(), b)
	return len(b), nil
}

func (c *session) Close() error { return c.die(ErrClosing) }

func (c *session) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

func (c *session) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }

func (c *session) String() string {
	return fmt.Sprintf("(remote=%s)", addrString(c.conn.RemoteAddr()))
}

// die closes connection once, later calls are no-op.
func (c *session) die(e error) error {
	if _, found := c.err.StoreOnce(e); found {
		return nil
	}
	err := c.conn.Close()
	if e != ErrClosing {
		c.log.Debugf("session %s closed idle=%s: %s", c.String(), c.SinceLastRecv(), helpers.NetErrorString(e))
	}
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
