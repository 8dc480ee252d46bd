package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/describe"
	"github.com/zsiec/castkit/internal/encoder"
	"github.com/zsiec/castkit/internal/media"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
)

func testTracks() []describe.Track {
	return []describe.Track{
		{
			Params:        encoder.Params{Codec: codec.H264, Width: 1280, Height: 720, FrameRate: 30},
			ParameterSets: codec.ParameterSets{Codec: codec.H264, SPS: testSPS, PPS: testPPS},
		},
		{Params: encoder.Params{Codec: codec.AAC, SampleRate: 48000, Channels: 2}},
	}
}

type fakeStreamer struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
}

func (f *fakeStreamer) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeStreamer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeStreamer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type eventListener struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *eventListener) OnStreamingStarted() { l.add("started", nil) }

func (l *eventListener) OnStreamingStopped() { l.add("stopped", nil) }

func (l *eventListener) OnError(err error) { l.add("error", err) }

func (l *eventListener) add(ev string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *eventListener) snapshot() ([]string, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...), append([]error(nil), l.errs...)
}

// startServer serves on a loopback port until the test ends.
func startServer(t *testing.T, cfg ServerConfig, tracks []describe.Track, l Listener) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := NewServer(cfg, describe.NewBuilder(tracks, nil), slog.Default())
	if l != nil {
		srv.AddListener(l)
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return srv
}

type response struct {
	status int
	header map[string]string
	body   string
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	base string
	cseq int
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &client{
		t:    t,
		conn: conn,
		r:    bufio.NewReader(conn),
		base: "rtsp://" + srv.Addr().String() + "/test",
	}
}

// do sends a request with the given "Key: value" headers and reads the
// response.
func (c *client) do(method, uri string, headers ...string) response {
	c.t.Helper()
	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\nCSeq: %d\r\n", method, uri, c.cseq)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(c.conn, b.String())
	require.NoError(c.t, err)
	return c.read()
}

func (c *client) read() response {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	fields := strings.Fields(line)
	require.GreaterOrEqual(c.t, len(fields), 2, "status line %q", line)
	require.Equal(c.t, "RTSP/1.0", fields[0])
	status, err := strconv.Atoi(fields[1])
	require.NoError(c.t, err)

	resp := response{status: status, header: make(map[string]string)}
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, _ := strings.Cut(line, ":")
		resp.header[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	if n, _ := strconv.Atoi(resp.header["content-length"]); n > 0 {
		body := make([]byte, n)
		_, err := io.ReadFull(c.r, body)
		require.NoError(c.t, err)
		resp.body = string(body)
	}
	require.Equal(c.t, strconv.Itoa(c.cseq), resp.header["cseq"])
	return resp
}

func sessionID(resp response) string {
	id, _, _ := strings.Cut(resp.header["session"], ";")
	return id
}

func TestServerSession(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testTracks(), nil)
	c := dial(t, srv)

	resp := c.do(MethodDescribe, c.base, "Accept: application/sdp")
	require.Equal(t, StatusOK, resp.status)
	assert.Equal(t, "application/sdp", resp.header["content-type"])
	assert.Equal(t, c.base+"/", resp.header["content-base"])
	assert.Contains(t, resp.body, "m=video")
	assert.Contains(t, resp.body, "m=audio")
	assert.Contains(t, resp.body, "a=control:trackID=0")
	assert.Contains(t, resp.body, "a=control:trackID=1")
	id := sessionID(resp)
	assert.Empty(t, id, "DESCRIBE does not announce a session")

	resp = c.do(MethodSetup, c.base+"/trackID=0", "Transport: RTP/AVP;unicast;client_port=5000-5001")
	require.Equal(t, StatusOK, resp.status)
	assert.Contains(t, resp.header["transport"], "client_port=5000-5001")
	assert.Contains(t, resp.header["transport"], "server_port=")
	id = sessionID(resp)
	require.NotEmpty(t, id)
	assert.Contains(t, resp.header["session"], ";timeout=60")

	resp = c.do(MethodPlay, c.base, "Session: "+id)
	require.Equal(t, StatusOK, resp.status)
	assert.Contains(t, resp.header["rtp-info"], "url="+c.base+"/trackID=0;seq=0")
	assert.Equal(t, "npt=0.000-", resp.header["range"])
	assert.Equal(t, id, sessionID(resp))

	resp = c.do(MethodTeardown, c.base, "Session: "+id)
	require.Equal(t, StatusOK, resp.status)
	assert.Equal(t, 1, srv.SessionCount(), "the session lives until the client disconnects")

	c.conn.Close()
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerOptions(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testTracks(), nil)
	c := dial(t, srv)
	c.cseq = 41

	resp := c.do(MethodOptions, "*")
	require.Equal(t, StatusOK, resp.status)
	assert.Equal(t, "42", resp.header["cseq"])
	assert.Equal(t, publicMethods, resp.header["public"])
	assert.Equal(t, ServerName, resp.header["server"])
}

func TestServerRejects(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		headers []string
		status  int
	}{
		{"unknown track", MethodSetup, "/trackID=99", []string{"Transport: RTP/AVP;unicast;client_port=5000-5001"}, StatusNotFound},
		{"unknown method", "RECORD", "", nil, StatusBadRequest},
		{"play before setup", MethodPlay, "", nil, StatusBadRequest},
		{"setup without ports", MethodSetup, "/trackID=0", []string{"Transport: RTP/AVP;unicast"}, StatusBadRequest},
		{"interleaved", MethodSetup, "/trackID=0", []string{"Transport: RTP/AVP/TCP;interleaved=0-1"}, StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, ServerConfig{}, testTracks(), nil)
			c := dial(t, srv)
			resp := c.do(tt.method, c.base+tt.path, tt.headers...)
			assert.Equal(t, tt.status, resp.status)

			// the connection stays usable after an error response
			resp = c.do(MethodOptions, "*")
			assert.Equal(t, StatusOK, resp.status)
		})
	}
}

func TestServerSetupReusesPorts(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testTracks(), nil)
	c := dial(t, srv)

	resp := c.do(MethodSetup, c.base+"/trackID=1", "Transport: RTP/AVP;unicast;client_port=6000-6001")
	require.Equal(t, StatusOK, resp.status)
	id := sessionID(resp)

	resp = c.do(MethodSetup, c.base+"/trackID=1", "Session: "+id)
	require.Equal(t, StatusOK, resp.status)
	assert.Contains(t, resp.header["transport"], "client_port=6000-6001")
	assert.Equal(t, id, sessionID(resp))
}

func TestServerBadRequestLineDisconnects(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testTracks(), nil)
	c := dial(t, srv)

	_, err := io.WriteString(c.conn, "HELLO WORLD\r\n\r\n")
	require.NoError(t, err)
	_, err = c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerPortCollision(t *testing.T) {
	first := startServer(t, ServerConfig{}, testTracks(), nil)
	port := first.Addr().(*net.TCPAddr).Port

	second := NewServer(ServerConfig{
		Addr:            "127.0.0.1:" + strconv.Itoa(port),
		MaxPortAttempts: 20,
	}, describe.NewBuilder(testTracks(), nil), nil)
	require.NoError(t, second.Listen())
	defer second.Close()

	got := second.Addr().(*net.TCPAddr).Port
	assert.Greater(t, got, port)
	assert.LessOrEqual(t, got, port+19)
}

func TestServerBindFailure(t *testing.T) {
	first := startServer(t, ServerConfig{}, testTracks(), nil)
	port := first.Addr().(*net.TCPAddr).Port

	l := &eventListener{}
	second := NewServer(ServerConfig{
		Addr:            "127.0.0.1:" + strconv.Itoa(port),
		MaxPortAttempts: 1,
	}, describe.NewBuilder(testTracks(), nil), nil)
	second.AddListener(l)

	err := second.Listen()
	require.ErrorIs(t, err, ErrBind)
	events, errs := l.snapshot()
	assert.Equal(t, []string{"error"}, events)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBind)
}

func TestServerDeliversRTP(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testTracks(), nil)
	c := dial(t, srv)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()
	port := udp.LocalAddr().(*net.UDPAddr).Port

	resp := c.do(MethodSetup, c.base+"/trackID=0",
		fmt.Sprintf("Transport: RTP/AVP;unicast;client_port=%d-%d", port, port+1))
	require.Equal(t, StatusOK, resp.status)
	id := sessionID(resp)
	_, ssrcHex, ok := strings.Cut(resp.header["transport"], "ssrc=")
	require.True(t, ok)
	ssrc, err := strconv.ParseUint(ssrcHex, 16, 32)
	require.NoError(t, err)

	resp = c.do(MethodPlay, c.base, "Session: "+id)
	require.Equal(t, StatusOK, resp.status)

	// a delta frame before the first keyframe is skipped
	srv.WriteUnit(media.Unit{Kind: media.KindVideo, PTS: 0, Data: codec.AppendAnnexB(nil, []byte{0x41, 0x9a, 0x01})})
	srv.WriteUnit(media.Unit{
		Kind:     media.KindVideo,
		PTS:      33_333,
		Data:     codec.AppendAnnexB(nil, testSPS, testPPS, testIDR),
		Keyframe: true,
	})

	require.NoError(t, udp.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got []*rtp.Packet
	buf := make([]byte, 2048)
	for len(got) < 3 {
		n, _, err := udp.ReadFromUDP(buf)
		require.NoError(t, err)
		var p rtp.Packet
		require.NoError(t, p.Unmarshal(append([]byte(nil), buf[:n]...)))
		got = append(got, &p)
	}

	assert.Equal(t, uint16(0), got[0].SequenceNumber)
	assert.Equal(t, uint8(96), got[0].PayloadType)
	assert.Equal(t, uint32(ssrc), got[0].SSRC)
	assert.Equal(t, byte(7), got[0].Payload[0]&0x1F, "SPS first")
	assert.Equal(t, byte(8), got[1].Payload[0]&0x1F)
	assert.Equal(t, byte(5), got[2].Payload[0]&0x1F)
	assert.False(t, got[0].Marker)
	assert.True(t, got[2].Marker)
	assert.Equal(t, got[0].Timestamp, got[2].Timestamp, "one timestamp per unit")
}

func TestServerListenerEvents(t *testing.T) {
	l := &eventListener{}
	st := &fakeStreamer{}
	srv := startServer(t, ServerConfig{Streamer: st}, testTracks(), l)
	c := dial(t, srv)

	resp := c.do(MethodSetup, c.base+"/trackID=0", "Transport: RTP/AVP;unicast;client_port=5000-5001")
	require.Equal(t, StatusOK, resp.status)
	id := sessionID(resp)
	resp = c.do(MethodSetup, c.base+"/trackID=1", "Transport: RTP/AVP;unicast;client_port=5002-5003", "Session: "+id)
	require.Equal(t, StatusOK, resp.status)

	events, _ := l.snapshot()
	assert.Equal(t, []string{"started"}, events, "only the first SETUP starts streaming")

	resp = c.do(MethodPlay, c.base, "Session: "+id)
	require.Equal(t, StatusOK, resp.status)
	starts, _ := st.counts()
	assert.Equal(t, 1, starts)

	c.conn.Close()
	require.Eventually(t, func() bool {
		_, stops := st.counts()
		return stops == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		events, _ := l.snapshot()
		return len(events) == 2 && events[1] == "stopped"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerKeepsStreamingWhileASessionRemains(t *testing.T) {
	l := &eventListener{}
	st := &fakeStreamer{}
	srv := startServer(t, ServerConfig{Streamer: st}, testTracks(), l)

	a := dial(t, srv)
	b := dial(t, srv)
	require.Equal(t, StatusOK, a.do(MethodSetup, a.base+"/trackID=0", "Transport: RTP/AVP;client_port=5000-5001").status)
	require.Equal(t, StatusOK, b.do(MethodSetup, b.base+"/trackID=0", "Transport: RTP/AVP;client_port=5004-5005").status)

	a.conn.Close()
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, stops := st.counts()
	assert.Equal(t, 0, stops)
	events, _ := l.snapshot()
	assert.Equal(t, []string{"started"}, events)
}

func TestServerDescribeFailure(t *testing.T) {
	l := &eventListener{}
	tracks := []describe.Track{{Params: encoder.Params{Codec: codec.H264}}}
	srv := startServer(t, ServerConfig{}, tracks, l)
	c := dial(t, srv)

	resp := c.do(MethodDescribe, c.base)
	assert.Equal(t, StatusInternalServerError, resp.status)
	assert.Empty(t, resp.body)

	_, errs := l.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], describe.ErrConfiguration)
}

func TestServerStreamerStartFailure(t *testing.T) {
	l := &eventListener{}
	boom := errors.New("encoder busy")
	srv := startServer(t, ServerConfig{Streamer: &fakeStreamer{startErr: boom}}, testTracks(), l)
	c := dial(t, srv)

	resp := c.do(MethodSetup, c.base+"/trackID=0", "Transport: RTP/AVP;unicast;client_port=5000-5001")
	require.Equal(t, StatusOK, resp.status)
	resp = c.do(MethodPlay, c.base, "Session: "+sessionID(resp))
	assert.Equal(t, StatusInternalServerError, resp.status)

	_, errs := l.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestServerFormatChangedFeedsDescribe(t *testing.T) {
	tracks := []describe.Track{{Params: encoder.Params{Codec: codec.H264}}}
	srv := NewServer(ServerConfig{}, describe.NewBuilder(tracks, nil), nil)

	ps := codec.ParameterSets{Codec: codec.H264, SPS: testSPS, PPS: testPPS}
	srv.FormatChanged(media.KindVideo, encoder.Format{ParameterSets: ps})

	got, ok := srv.builder.ParameterSets(0)
	require.True(t, ok)
	assert.True(t, got.Equal(ps))

	// keyframes without in-band parameter sets get the cached ones
	au := srv.withConfig(codec.AppendAnnexB(nil, testIDR))
	assert.True(t, codec.ExtractParameterSets(codec.H264, au).Complete())
}

func TestServerConfigUnitPrepended(t *testing.T) {
	srv := NewServer(ServerConfig{}, describe.NewBuilder(testTracks(), nil), nil)

	srv.WriteUnit(media.Unit{
		Kind:   media.KindVideo,
		Data:   codec.AppendAnnexB(nil, testSPS, testPPS),
		Config: true,
	})
	idr := codec.AppendAnnexB(nil, testIDR)
	assert.Equal(t, codec.AppendAnnexB(nil, testSPS, testPPS, testIDR), srv.withConfig(idr))

	// units that already carry their parameter sets are left alone
	full := codec.AppendAnnexB(nil, testSPS, testPPS, testIDR)
	assert.Equal(t, full, srv.withConfig(full))
}

func TestServerPrepareAfterClose(t *testing.T) {
	srv := NewServer(ServerConfig{}, describe.NewBuilder(testTracks(), nil), nil)
	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Prepare(nil, nil), ErrServerClosed)
}

func TestSessionStates(t *testing.T) {
	s := newSession(net.IPv4(127, 0, 0, 1), slog.Default())
	assert.Equal(t, StateAwaitingDescribe, s.State())

	s.pause()
	assert.Equal(t, StateAwaitingDescribe, s.State(), "pause only applies while playing")

	s.play()
	assert.Equal(t, StatePlaying, s.State())
	s.pause()
	assert.Equal(t, StatePaused, s.State())
	s.teardown()
	assert.Equal(t, StateTornDown, s.State())
	assert.Equal(t, "torn-down", s.State().String())
	assert.Equal(t, "state(9)", SessionState(9).String())
}

func TestContentBase(t *testing.T) {
	local := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 8554}
	tests := []struct {
		uri  string
		want string
	}{
		{"rtsp://example.com:8554/test", "rtsp://10.0.0.5:8554/test/"},
		{"rtsp://example.com:8554/test/", "rtsp://10.0.0.5:8554/test/"},
		{"rtsp://example.com:8554", "rtsp://10.0.0.5:8554/"},
		{"/live", "rtsp://10.0.0.5:8554/live/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, contentBase(local, tt.uri), tt.uri)
	}
}
