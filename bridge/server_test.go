package bridge

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensorbridge/hub"
	"github.com/temoto/sensorbridge/log2"
	"github.com/temoto/sensorbridge/packet"
)

const testTimeout = 5 * time.Second

func newTestServer(t testing.TB, opt Options) (*Server, string) {
	opt.Log = log2.NewTest(t, log2.LDebug)
	opt.ListenURL = "tcp://127.0.0.1:0"
	s, err := NewServer(opt)
	require.NoError(t, err)
	require.NoError(t, s.Listen(context.Background()))
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	addrs := s.Addrs()
	require.Len(t, addrs, 1)
	return s, addrs[0]
}

func dial(t testing.TB, addr string) net.Conn {
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t testing.TB, conn net.Conn, b []byte) {
	_, err := conn.Write(b)
	require.NoError(t, err)
}

func readFrame(t testing.TB, conn net.Conn) []byte {
	header := make([]byte, packet.HeaderLen)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	b := make([]byte, packet.HeaderLen+int(header[0]))
	copy(b, header)
	_, err = io.ReadFull(conn, b[packet.HeaderLen:])
	require.NoError(t, err)
	return b
}

func waitRegistered(t testing.TB, s *Server, id int) {
	require.Eventually(t, func() bool {
		_, ok, _ := s.Registry().Handle(id)
		return ok
	}, testTimeout, 5*time.Millisecond, "id=%d", id)
}

func TestNewServerValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		url   string
		below int
	}{
		{"0.0.0.0:5000", 128},
		{"udp://0.0.0.0:5000", 128},
		{"tcp://0.0.0.0:70000", 128},
		{"tcp://0.0.0.0:port", 128},
		{"tcp://example.com:5000", 128},
		{"tcp://0.0.0.0:5000", 257},
		{"tcp://0.0.0.0:5000", -1},
	}
	for _, c := range cases {
		_, err := NewServer(Options{ListenURL: c.url, HubIDBelow: c.below})
		assert.Error(t, err, "url=%s below=%d", c.url, c.below)
	}
}

func TestGetLocal(t *testing.T) {
	t.Parallel()
	s, addr := newTestServer(t, Options{HubIDBelow: 0})
	stored := packet.NewTemperature(packet.FrameData, 1, 21.5)
	require.NoError(t, s.Registry().UpdateState(1, stored))

	conn := dial(t, addr)
	send(t, conn, packet.NewGet(packet.SensorTemperature, 1).Bytes())
	assert.Equal(t, stored.Bytes(), readFrame(t, conn))

	// never updated slot replies with zero frame
	send(t, conn, packet.NewGet(packet.SensorTemperature, 2).Bytes())
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, readFrame(t, conn))

	// replies are counted by session stat writer
	expectSend := int64(len(stored.Bytes()) + 4)
	require.Eventually(t, func() bool { return s.Stat().SendBytes.Value() == expectSend },
		testTimeout, 5*time.Millisecond, "send_bytes=%d", s.Stat().SendBytes.Value())
	assert.Equal(t, int64(8), s.Stat().RecvBytes.Value())
}

func TestHeartbeatResetsState(t *testing.T) {
	t.Parallel()
	s, addr := newTestServer(t, Options{HubIDBelow: DefaultHubIDBelow})
	lamp := dial(t, addr)
	hb := packet.NewHeartbeat(packet.SensorLight, 200).Bytes()
	send(t, lamp, hb)
	waitRegistered(t, s, 200)
	send(t, lamp, packet.NewLight(packet.FrameData, 200, true).Bytes())
	require.Eventually(t, func() bool {
		state, _ := s.Registry().State(200)
		return !state.IsZero()
	}, testTimeout, 5*time.Millisecond)

	// repeat heartbeat from same connection
	send(t, lamp, hb)
	require.Eventually(t, func() bool {
		state, _ := s.Registry().State(200)
		return state.IsZero()
	}, testTimeout, 5*time.Millisecond)
	h, ok, err := s.Registry().Handle(200)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, h)
}

func TestHeartbeatPost(t *testing.T) {
	t.Parallel()
	s, addr := newTestServer(t, Options{HubIDBelow: DefaultHubIDBelow})
	a := dial(t, addr)
	b := dial(t, addr)

	send(t, a, packet.NewHeartbeat(packet.SensorLight, 200).Bytes())
	waitRegistered(t, s, 200)

	post := packet.NewLight(packet.FrameDashboardPost, 200, true).Bytes()
	send(t, b, post)
	assert.Equal(t, post, readFrame(t, a))

	state, err := s.Registry().State(200)
	require.NoError(t, err)
	assert.Equal(t, packet.NewLight(packet.FrameData, 200, true), state)
}

func TestStreamFraming(t *testing.T) {
	t.Parallel()
	procCh := make(chan packet.Frame, 8)
	proc := ProcessorFunc(func(ctx context.Context, f packet.Frame) { procCh <- f })
	_, addr := newTestServer(t, Options{HubIDBelow: DefaultHubIDBelow, Processor: proc})
	conn := dial(t, addr)

	data := packet.NewCO2(packet.FrameData, 150, 450)
	get := packet.NewGet(packet.SensorCO2, 150)
	var stream []byte
	stream = append(stream, 0x00, 0x00)             // invalid, skipped
	stream = append(stream, 0x02, 0x42, 0x02, 0x07) // unknown frame kind, dropped
	stream = append(stream, data.Bytes()...)        // stored
	stream = append(stream, get.Bytes()...)         // reply
	stream = append(stream, data.Bytes()[:3]...)    // partial
	send(t, conn, stream)
	assert.Equal(t, data.Bytes(), readFrame(t, conn))
	assert.Equal(t, data, <-procCh)

	updated := packet.NewCO2(packet.FrameData, 150, 460)
	rest := append(updated.Bytes()[3:], get.Bytes()...)
	// buffered 3 bytes are common prefix of data and updated
	send(t, conn, rest)
	assert.Equal(t, updated.Bytes(), readFrame(t, conn))
	assert.Equal(t, updated, <-procCh)
}

func TestUnknownSensorKindRouted(t *testing.T) {
	t.Parallel()
	s, addr := newTestServer(t, Options{HubIDBelow: 0})
	conn := dial(t, addr)
	send(t, conn, []byte{0x03, 0x00, 0x63, 0x09, 0x01})
	send(t, conn, packet.NewGet(0x63, 9).Bytes())
	assert.Equal(t, []byte{0x03, 0x00, 0x63, 0x09, 0x01}, readFrame(t, conn))
	assert.Equal(t, int64(2), s.Stat().Unknown.Value())
}

func TestDisconnectReleases(t *testing.T) {
	t.Parallel()
	s, addr := newTestServer(t, Options{HubIDBelow: DefaultHubIDBelow})
	a := dial(t, addr)
	send(t, a, packet.NewHeartbeat(packet.SensorButton, 130).Bytes())
	send(t, a, packet.NewHeartbeat(packet.SensorLight, 131).Bytes())
	waitRegistered(t, s, 131)
	require.Len(t, s.Registry().Snapshot(), 2)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(s.Registry().Snapshot()) == 0 }, testTimeout, 5*time.Millisecond)

	b := dial(t, addr)
	send(t, b, packet.NewLight(packet.FrameDashboardPost, 131, true).Bytes())
	require.Eventually(t, func() bool {
		state, _ := s.Registry().State(131)
		return !state.IsZero()
	}, testTimeout, 5*time.Millisecond)
	state, err := s.Registry().State(131)
	require.NoError(t, err)
	assert.Equal(t, packet.NewLight(packet.FrameData, 131, true), state, "state is updated even when slave is gone")
	assert.Equal(t, int64(1), s.Stat().SendErrors.Value())
}

func TestToggleRule(t *testing.T) {
	t.Parallel()
	actions := NewActions(log2.NewTest(t, log2.LDebug), nil, []ToggleRule{{Name: "table", Button: 105, Light: 150}})
	s, addr := newTestServer(t, Options{HubIDBelow: 0, Processor: actions})
	actions.Attach(s)

	lamp := dial(t, addr)
	send(t, lamp, packet.NewHeartbeat(packet.SensorLight, 150).Bytes())
	waitRegistered(t, s, 150)

	button := dial(t, addr)
	press := packet.Frame{Kind: packet.FrameData, Sensor: packet.SensorButton, ID: 105}
	send(t, button, press.Bytes())
	assert.Equal(t, []byte{0x03, 0x02, 0x06, 150, 0x01}, readFrame(t, lamp))
	send(t, button, press.Bytes())
	assert.Equal(t, []byte{0x03, 0x02, 0x06, 150, 0x00}, readFrame(t, lamp))
}

type fakeHub struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeHub(t testing.TB) *fakeHub {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := &fakeHub{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			h.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return h
}

func (h *fakeHub) accept(t testing.TB) net.Conn {
	select {
	case conn := <-h.conns:
		require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("fake hub accept timeout")
		return nil
	}
}

func newTestHub(t testing.TB, h *fakeHub) *hub.Client {
	c, err := hub.NewClient(hub.Options{
		Address:      "127.0.0.1",
		Port:         h.ln.Addr().(*net.TCPAddr).Port,
		Log:          log2.NewTest(t, log2.LDebug),
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHubRouting(t *testing.T) {
	t.Parallel()
	fh := newFakeHub(t)
	hc := newTestHub(t, fh)
	procCh := make(chan packet.Frame, 8)
	proc := ProcessorFunc(func(ctx context.Context, f packet.Frame) { procCh <- f })
	s, addr := newTestServer(t, Options{Hub: hc, HubIDBelow: DefaultHubIDBelow, Processor: proc})
	hconn := fh.accept(t)
	dash := dial(t, addr)

	// GET relays matching hub reply, other ids are discarded
	get := packet.NewGet(packet.SensorTemperature, 1)
	send(t, dash, get.Bytes())
	assert.Equal(t, get.Bytes(), readFrame(t, hconn))
	reply := packet.NewTemperature(packet.FrameDashboardResponse, 1, 21.5)
	send(t, hconn, append(packet.NewGet(packet.SensorCO2, 2).Bytes(), reply.Bytes()...))
	assert.Equal(t, reply.Bytes(), readFrame(t, dash))

	// POST is forwarded verbatim
	post := packet.NewRGB(packet.FrameDashboardPost, 3, 10, 20, 30)
	send(t, dash, post.Bytes())
	assert.Equal(t, post.Bytes(), readFrame(t, hconn))

	// unsolicited hub reading goes through registry and processor
	reading := packet.NewHumidity(packet.FrameData, 4, 61)
	send(t, hconn, reading.Bytes())
	select {
	case f := <-procCh:
		assert.Equal(t, reading, f)
	case <-time.After(testTimeout):
		t.Fatal("hub reading not processed")
	}
	state, err := s.Registry().State(4)
	require.NoError(t, err)
	assert.Equal(t, reading, state)
}

func TestHubReconnect(t *testing.T) {
	t.Parallel()
	fh := newFakeHub(t)
	hc := newTestHub(t, fh)
	_, addr := newTestServer(t, Options{Hub: hc, HubIDBelow: DefaultHubIDBelow, RetryDelay: 10 * time.Millisecond})
	hconn := fh.accept(t)
	require.NoError(t, hconn.Close())

	hconn2 := fh.accept(t)
	require.Eventually(t, hc.Connected, testTimeout, 5*time.Millisecond)
	dash := dial(t, addr)
	post := packet.NewLight(packet.FrameDashboardPost, 7, true)
	send(t, dash, post.Bytes())
	assert.Equal(t, post.Bytes(), readFrame(t, hconn2))
}

func TestHubMissing(t *testing.T) {
	t.Parallel()
	s, addr := newTestServer(t, Options{HubIDBelow: DefaultHubIDBelow})
	conn := dial(t, addr)
	send(t, conn, packet.NewGet(packet.SensorTemperature, 1).Bytes())
	send(t, conn, packet.NewLight(packet.FrameDashboardPost, 2, true).Bytes())
	require.Eventually(t, func() bool { return s.Stat().Dropped.Value() == 2 }, testTimeout, 5*time.Millisecond)
}

func TestCloseJoins(t *testing.T) {
	t.Parallel()
	s, err := NewServer(Options{Log: log2.NewTest(t, log2.LDebug), ListenURL: "tcp://127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, s.Listen(context.Background()))
	conn := dial(t, s.Addrs()[0])
	send(t, conn, packet.NewHeartbeat(packet.SensorMotion, 140).Bytes())
	waitRegistered(t, s, 140)

	require.NoError(t, s.Close())
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, ErrClosing, errors.Cause(s.Listen(context.Background())))
}
