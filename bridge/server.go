// Package bridge terminates dashboard and slave connections.
// Frames are routed by kind and sensor id to local processing,
// device registry or upstream hub link.
package bridge

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorbridge/helpers"
	"github.com/temoto/sensorbridge/hub"
	"github.com/temoto/sensorbridge/internal/registry"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
)

const (
	DefaultHubIDBelow     = 128
	DefaultNetworkTimeout = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultRetryDelay     = 1 * time.Second
)

var ErrClosing = fmt.Errorf("closing")

type Options struct {
	Log       *log2.Log
	ListenURL string // tcp://host:port
	Registry  *registry.Registry
	Processor Processor
	// Hub is optional, without it hub range requests are dropped.
	// Connect and Start are expected before NewServer, later reconnects are supervised.
	Hub *hub.Client
	// Sensor ids below this bound are behind hub, the rest are local slaves.
	// Zero routes everything locally.
	HubIDBelow     int
	NetworkTimeout time.Duration // write to client
	RequestTimeout time.Duration // hub reply wait
	RetryDelay     time.Duration // hub reconnect backoff start
}

// Values are read and modified atomically, but not consistently.
type Stat struct {
	Conns      expvar.Int
	Frames     expvar.Int
	RecvBytes  expvar.Int
	SendBytes  expvar.Int
	Invalid    expvar.Int
	Unknown    expvar.Int
	Dropped    expvar.Int
	SendErrors expvar.Int
	HubErrors  expvar.Int
	HubFrames  expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"conns":%d,"frames":%d,"recv_bytes":%d,"send_bytes":%d,"invalid":%d,"unknown":%d,"dropped":%d,"send_errors":%d,"hub_errors":%d,"hub_frames":%d}`,
		s.Conns.Value(), s.Frames.Value(), s.RecvBytes.Value(), s.SendBytes.Value(),
		s.Invalid.Value(), s.Unknown.Value(), s.Dropped.Value(),
		s.SendErrors.Value(), s.HubErrors.Value(), s.HubFrames.Value())
}

type Server struct {
	alive    *alive.Alive
	ctx      context.Context
	cancel   context.CancelFunc
	opt      Options
	log      *log2.Log
	reg      *registry.Registry
	hub      *hub.Client
	proc     Processor
	hostport string
	backoff  helpers.Backoff
	stat     Stat

	listens struct {
		sync.Mutex
		m map[string]net.Listener
	}
	sessions struct {
		sync.Mutex
		m map[*session]struct{}
	}
}

func NewServer(opt Options) (*Server, error) {
	hostport, err := parseListenURL(opt.ListenURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error listen=%s", opt.ListenURL)
	}
	if opt.HubIDBelow < 0 || opt.HubIDBelow > registry.Size {
		return nil, errors.NotValidf("hub_id_below=%d", opt.HubIDBelow)
	}
	if opt.Registry == nil {
		opt.Registry = registry.New()
	}
	if opt.Processor == nil {
		opt.Processor = ProcessorFunc(func(context.Context, packet.Frame) {})
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.RequestTimeout == 0 {
		opt.RequestTimeout = DefaultRequestTimeout
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}

	s := &Server{
		alive:    alive.NewAlive(),
		opt:      opt,
		log:      opt.Log,
		reg:      opt.Registry,
		hub:      opt.Hub,
		proc:     opt.Processor,
		hostport: hostport,
		backoff: helpers.Backoff{
			Min: opt.RetryDelay,
			Max: 30 * opt.RetryDelay,
			K:   2,
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listens.m = make(map[string]net.Listener)
	s.sessions.m = make(map[*session]struct{})

	if s.hub != nil {
		s.alive.Add(1)
		go s.superviseHub()
	}
	return s, nil
}

func parseListenURL(s string) (string, error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", err
	}
	if u.Scheme != "tcp" {
		return "", errors.NotValidf("listen scheme=%s", u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", errors.NotValidf("listen address=%s", u.Host)
	}
	if host != "" && net.ParseIP(host) == nil {
		return "", errors.NotValidf("listen host=%s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", errors.NotValidf("listen port=%s", portStr)
	}
	return u.Host, nil
}

func (s *Server) Registry() *registry.Registry { return s.reg }
func (s *Server) Stat() *Stat                  { return &s.stat }

func (s *Server) Addrs() []string {
	s.listens.Lock()
	defer s.listens.Unlock()
	addrs := make([]string, 0, len(s.listens.m))
	for _, l := range s.listens.m {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Listen binds configured address and starts accepting connections.
func (s *Server) Listen(ctx context.Context) error {
	s.listens.Lock()
	defer s.listens.Unlock()

	if !s.alive.Add(1) {
		return ErrClosing
	}
	lc := net.ListenConfig{Control: listenControl}
	ll, err := lc.Listen(ctx, "tcp", s.hostport)
	if err != nil {
		s.alive.Done()
		return errors.Annotatef(err, "listen address=%s", s.hostport)
	}
	s.log.Infof("listen address=%s", ll.Addr())
	s.listens.m[s.opt.ListenURL] = ll
	go s.acceptLoop(ll)
	return nil
}

// Close stops accepting, closes all sessions and waits for goroutines.
func (s *Server) Close() error {
	s.alive.Stop()
	s.cancel()
	errs := make([]error, 0, 4)
	helpers.WithLock(&s.listens, func() {
		for key, ll := range s.listens.m {
			errs = append(errs, ll.Close())
			delete(s.listens.m, key)
		}
	})
	helpers.WithLock(&s.sessions, func() {
		for sess := range s.sessions.m {
			_ = sess.die(ErrClosing)
		}
	})
	s.alive.Wait()
	errs = append(errs, s.reg.Close())
	return helpers.FoldErrors(errs)
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", addrString(ll.Addr())))
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		s.stat.Conns.Add(1)
		go s.serveConn(newSession(conn, s))
	}
}

// serveConn is per connection read loop.
// Every complete frame in buffer is dispatched before next read,
// partial frame bytes wait for more input.
func (s *Server) serveConn(sess *session) {
	defer s.alive.Done()
	helpers.WithLock(&s.sessions, func() { s.sessions.m[sess] = struct{}{} })
	s.log.Debugf("accept %s", sess.String())

	rbuf := make([]byte, 1024)
	buf := make([]byte, 0, 2*packet.MaxFrame)
	var err error
	for s.alive.IsRunning() {
		var n int
		n, err = sess.Read(rbuf)
		if n > 0 {
			buf = append(buf, rbuf[:n]...)
			buf = s.decodeAll(sess, buf)
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		err = ErrClosing
	}

	// mandatory cleanup on connection closed
	_ = sess.die(err)
	helpers.WithLock(&s.sessions, func() { delete(s.sessions.m, sess) })
	if ids := s.reg.Release(sess); len(ids) != 0 {
		s.log.Infof("slaves gone ids=%v %s", ids, sess.String())
	}
}

func (s *Server) decodeAll(sess *session, buf []byte) []byte {
	off := 0
	for off < len(buf) && !sess.Closed() {
		f, n, err := packet.Decode(buf[off:])
		if errors.Cause(err) == packet.ErrIncomplete {
			break
		}
		raw := buf[off : off+n]
		off += n
		s.log.Hexdump("recv "+sess.String(), raw)
		s.dispatch(sess, f, raw, err)
	}
	return append(buf[:0], buf[off:]...)
}
