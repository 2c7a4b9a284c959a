// Package hub is client of upstream I2C hub link.
// Background receive task decodes hub frames into FIFO queue,
// Request pairs one outgoing frame with reply by sensor id.
package hub

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorbridge/helpers"
	"github.com/temoto/sensorbridge/helpers/atomic_clock"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
)

const (
	DefaultNetworkTimeout = 5 * time.Second
	DefaultPollInterval   = 1 * time.Second
)

var (
	ErrNotConnected = errors.New("hub not connected")
	ErrEmpty        = errors.New("hub queue empty")
	ErrSendFailed   = errors.New("hub send failed")
)

var closedChan = func() chan struct{} { ch := make(chan struct{}); close(ch); return ch }()

type Options struct {
	Address        string
	Port           int
	Log            *log2.Log
	NetworkTimeout time.Duration // dial and write
	PollInterval   time.Duration // receive task checks stop flag this often
	QueueLimit     int
}

type Client struct {
	opt  Options
	addr string

	mu    sync.Mutex // protects conn, alive, lost
	conn  net.Conn
	alive *alive.Alive
	lost  chan struct{}

	sendMu   sync.Mutex // serializes writes to hub socket
	reqMu    sync.Mutex // single outstanding request per link
	q        queue
	lastRecv atomic_clock.Clock
	stat     Stat
}

func NewClient(opt Options) (*Client, error) {
	ip := net.ParseIP(opt.Address)
	if ip == nil || ip.To4() == nil {
		return nil, errors.NotValidf("hub address=%q", opt.Address)
	}
	if opt.Port < 1 || opt.Port > 65535 {
		return nil, errors.NotValidf("hub port=%d", opt.Port)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.QueueLimit == 0 {
		opt.QueueLimit = DefaultQueueLimit
	}
	c := &Client{
		opt:  opt,
		addr: net.JoinHostPort(ip.String(), strconv.Itoa(opt.Port)),
	}
	c.q.limit = opt.QueueLimit
	return c, nil
}

func (c *Client) Addr() string { return c.addr }
func (c *Client) Stat() *Stat  { return &c.stat }

// Connect closes existing link, if any, and dials hub.
// Lock is not held while dialing, concurrent callers see not connected client.
func (c *Client) Connect(ctx context.Context) error {
	helpers.WithLock(&c.mu, func() { _ = c.stopLocked() })

	d := net.Dialer{Timeout: c.opt.NetworkTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Annotatef(err, "hub connect addr=%s", c.addr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// concurrent Connect won, replace its link
	_ = c.stopLocked()
	c.conn = conn
	c.lost = make(chan struct{})
	c.stat.Connects.Add(1)
	c.opt.Log.Infof("hub connected addr=%s", c.addr)
	return nil
}

// Start spawns receive task for current connection.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.Annotatef(ErrNotConnected, "hub start addr=%s", c.addr)
	}
	if c.alive != nil {
		return nil
	}
	a := alive.NewAlive()
	a.Add(1)
	c.alive = a
	go c.receive(c.conn, a, c.lost)
	return nil
}

func (c *Client) Connected() bool {
	select {
	case <-c.Lost():
		return false
	default:
		return true
	}
}

// Lost is closed when receive task of current connection ended.
// Not connected client returns closed channel.
func (c *Client) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost == nil {
		return closedChan
	}
	return c.lost
}

func (c *Client) LastRecv() time.Time { return c.lastRecv.Time() }

// Close stops receive task and waits for it.
// No frames are pushed to queue after Close returns.
func (c *Client) Close() error {
	c.mu.Lock()
	err := c.stopLocked()
	c.mu.Unlock()
	return err
}

// must be called with lock
func (c *Client) stopLocked() error {
	if c.conn == nil {
		return nil
	}
	a, conn, lost := c.alive, c.conn, c.lost
	c.alive, c.conn = nil, nil
	select {
	case <-lost:
		// receive task ended and closed conn
		if a != nil {
			a.Stop()
			a.Wait()
		}
		return nil
	default:
	}
	if a != nil {
		a.Stop()
	}
	err := conn.Close()
	if a != nil {
		a.Wait()
	} else {
		close(lost)
	}
	return err
}

// getConn returns nil after link loss until next Connect.
func (c *Client) getConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	select {
	case <-c.lost:
		return nil
	default:
		return c.conn
	}
}

// SendRaw writes b to hub as is. Write error closes the link.
// Lost link returns ErrNotConnected until next Connect.
func (c *Client) SendRaw(b []byte) error {
	conn := c.getConn()
	if conn == nil {
		return errors.Annotatef(ErrNotConnected, "hub send frame=%x", b)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.opt.Log.Hexdump("hub send", b)
	w := helpers.NewStatWriter(conn, &c.stat.SendBytes)
	if err := c.writeAll(conn, w, b); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, ErrSendFailed, "hub send frame=%x", b)
	}
	return nil
}

func (c *Client) writeAll(conn net.Conn, w io.Writer, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
		return err
	}
	return helpers.WriteAll(w, b)
}

// Retrieve pops first received frame.
// Non-blocking: ErrEmpty when queue is empty.
// Blocking: waits for frame, link loss (ErrNotConnected) or ctx.
func (c *Client) Retrieve(ctx context.Context, block bool) (packet.Frame, error) {
	for {
		f, ok, notify := c.q.pop()
		if ok {
			return f, nil
		}
		if !block {
			return packet.Frame{}, ErrEmpty
		}
		select {
		case <-notify:
		case <-c.Lost():
			if f, ok, _ = c.q.pop(); ok {
				return f, nil
			}
			return packet.Frame{}, ErrNotConnected
		case <-ctx.Done():
			return packet.Frame{}, ctx.Err()
		}
	}
}

// Request sends raw frame and waits for first reply with matching sensor id.
// Only one request per link is outstanding, frames for other ids are discarded.
func (c *Client) Request(ctx context.Context, raw []byte, id uint8) (packet.Frame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if err := c.SendRaw(raw); err != nil {
		return packet.Frame{}, err
	}
	for {
		f, err := c.Retrieve(ctx, true)
		if err != nil {
			return packet.Frame{}, errors.Annotatef(err, "hub request id=%d", id)
		}
		if f.ID == id {
			return f, nil
		}
		c.stat.Discarded.Add(1)
		c.opt.Log.Debugf("hub request id=%d discard %s", id, f.String())
	}
}

// Drain takes all queued frames without competing with Request for replies.
// fn runs outside of request lock. Returns number of frames.
func (c *Client) Drain(fn func(packet.Frame)) int {
	c.reqMu.Lock()
	frames := c.q.popAll()
	c.reqMu.Unlock()
	for _, f := range frames {
		fn(f)
	}
	return len(frames)
}

// Pending returns channel closed when next frame is queued, nil if queue is not empty.
func (c *Client) Pending() <-chan struct{} {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	if len(c.q.items) > 0 {
		return nil
	}
	if c.q.notify == nil {
		c.q.notify = make(chan struct{})
	}
	return c.q.notify
}

func (c *Client) receive(conn net.Conn, a *alive.Alive, lost chan struct{}) {
	defer a.Done()
	defer close(lost)
	// SendRaw must not write into dead link
	defer conn.Close()

	r := helpers.NewStatReader(conn, &c.stat.RecvBytes)
	rbuf := make([]byte, packet.MaxFrame)
	buf := make([]byte, 0, 2*packet.MaxFrame)
	for a.IsRunning() {
		if err := conn.SetReadDeadline(time.Now().Add(c.opt.PollInterval)); err != nil {
			c.opt.Log.Errorf("hub receive deadline err=%v", err)
			return
		}
		n, err := r.Read(rbuf)
		if n > 0 {
			c.lastRecv.SetNow()
			buf = append(buf, rbuf[:n]...)
			buf = c.decodeAll(buf)
		}
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue
			}
			if a.IsRunning() {
				c.opt.Log.Errorf("hub link lost addr=%s err=%s", c.addr, helpers.NetErrorString(err))
			}
			return
		}
	}
}

// decodeAll pushes every complete frame, returns remaining partial bytes.
func (c *Client) decodeAll(buf []byte) []byte {
	off := 0
	for off < len(buf) {
		f, n, err := packet.Decode(buf[off:])
		if errors.Cause(err) == packet.ErrIncomplete {
			break
		}
		c.opt.Log.Hexdump("hub recv", buf[off:off+n])
		off += n
		switch errors.Cause(err) {
		case nil:
		case packet.ErrFrameInvalid:
			c.stat.Invalid.Add(1)
			c.opt.Log.Errorf("hub recv %v", err)
			continue
		case packet.ErrUnknownVariant:
			c.stat.Unknown.Add(1)
			c.opt.Log.Debugf("hub recv %v", err)
		}
		c.stat.Frames.Add(1)
		if !c.q.push(f) {
			c.stat.Discarded.Add(1)
			c.opt.Log.Errorf("hub queue overflow limit=%d oldest frame dropped", c.q.limit)
		}
	}
	return append(buf[:0], buf[off:]...)
}
