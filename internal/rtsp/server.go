package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/describe"
	"github.com/zsiec/castkit/internal/encoder"
	"github.com/zsiec/castkit/internal/media"
)

// Listener receives server-wide events. Callbacks run on connection
// goroutines and must not block.
type Listener interface {
	// OnStreamingStarted fires on the first successful SETUP while no
	// session is streaming.
	OnStreamingStarted()
	// OnStreamingStopped fires when the last configured session goes away.
	OnStreamingStopped()
	// OnError reports start failures and fatal bind errors.
	OnError(err error)
}

// StreamController is started by PLAY and stopped when the last session
// disconnects. *encoder.Streamer satisfies it.
type StreamController interface {
	Start(ctx context.Context) error
	Stop() error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is host:port. On bind failure the port is incremented and
	// retried up to MaxPortAttempts times.
	Addr            string
	MaxPortAttempts int
	Name            string
	MTU             int
	PoolSize        int
	FrameSize       int
	MulticastTTL    int
	SessionTimeout  int
	Streamer        StreamController
}

// DefaultServerConfig returns the defaults for listening on port 8554.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":" + strconv.Itoa(DefaultPort),
		MaxPortAttempts: DefaultMaxPortAttempts,
		Name:            ServerName,
		PoolSize:        media.DefaultPoolSize,
		FrameSize:       media.DefaultFrameSize,
		MulticastTTL:    DefaultMulticastTTL,
		SessionTimeout:  DefaultSessionTimeout,
	}
}

var (
	_ encoder.Sink       = (*Server)(nil)
	_ encoder.FormatSink = (*Server)(nil)
)

// Server is an RTSP server over a fixed track set. It also implements
// encoder.Sink so a Streamer can feed it access units.
type Server struct {
	cfg      ServerConfig
	builder  *describe.Builder
	controls []string
	log      *slog.Logger
	pool     *media.FramePool

	ln     net.Listener
	closed atomic.Bool
	wg     sync.WaitGroup

	mu        sync.RWMutex
	sessions  map[*Session]struct{}
	conns     map[net.Conn]struct{}
	streaming bool

	lmu       sync.Mutex
	listeners []Listener

	cmu        sync.Mutex
	configUnit []byte
	lastPTS    [2]atomic.Int64
}

// NewServer creates a Server describing builder's tracks. If log is nil,
// slog.Default() is used.
func NewServer(cfg ServerConfig, builder *describe.Builder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxPortAttempts <= 0 {
		cfg.MaxPortAttempts = def.MaxPortAttempts
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.MulticastTTL <= 0 {
		cfg.MulticastTTL = def.MulticastTTL
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}

	controls := make([]string, len(builder.Tracks()))
	for i := range controls {
		controls[i] = builder.Control(i)
	}
	s := &Server{
		cfg:      cfg,
		builder:  builder,
		controls: controls,
		log:      log.With("component", "rtsp"),
		pool:     media.NewFramePool(cfg.PoolSize, cfg.FrameSize),
		sessions: make(map[*Session]struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	for i := range s.lastPTS {
		s.lastPTS[i].Store(-1)
	}
	return s
}

// AddListener registers l for server events.
func (s *Server) AddListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l.
func (s *Server) RemoveListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// notify calls fn on a copy of the listener list, so listeners may add or
// remove listeners from inside a callback.
func (s *Server) notify(fn func(Listener)) {
	s.lmu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.lmu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// Listen binds the RTSP port, moving to the next port while the current
// one is taken.
func (s *Server) Listen() error {
	host, portStr, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rtsp: bad address %q: %w", s.cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("rtsp: bad port %q: %w", portStr, err)
	}

	attempts := s.cfg.MaxPortAttempts
	if port == 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts && port+i <= 65535; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			s.log.Debug("port busy", "addr", addr, "error", err)
			continue
		}
		s.ln = ln
		s.log.Info("listening", "addr", ln.Addr().String())
		return nil
	}
	err = fmt.Errorf("%w: %s after %d attempts: %w", ErrBind, s.cfg.Addr, attempts, lastErr)
	s.log.Error("bind failed", "error", err)
	s.notify(func(l Listener) { l.OnError(err) })
	return err
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled. It calls Listen if
// needed. On return every session has been stopped.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return ErrServerClosed
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		if !s.trackConn(nc) {
			nc.Close()
			continue
		}
		go s.serveConn(ctx, nc)
	}
}

func (s *Server) trackConn(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[nc] = struct{}{}
	s.wg.Add(1)
	return true
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() error {
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// PoolStats reports the egress frame pool.
func (s *Server) PoolStats() media.PoolStats { return s.pool.Stats() }

// clientConn is the per-connection state of the worker goroutine.
type clientConn struct {
	nc      net.Conn
	remote  net.IP
	local   net.IP
	log     *slog.Logger
	session *Session
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	c := &clientConn{
		nc:     nc,
		remote: addrIP(nc.RemoteAddr()),
		local:  addrIP(nc.LocalAddr()),
		log:    s.log.With("remote", nc.RemoteAddr().String()),
	}
	c.log.Info("client connected")
	defer s.disconnect(c)

	r := bufio.NewReader(nc)
	for {
		req, err := readRequest(r)
		if err != nil {
			if errors.Is(err, errDisconnect) {
				c.log.Debug("read ended", "error", err)
				return
			}
			// the rest of the stream cannot be framed; answer and drop
			resp := &Response{Status: statusFor(err)}
			_ = resp.write(nc, req, s.cfg.Name)
			return
		}
		c.log.Debug("request", "method", req.Method, "uri", req.URI)

		resp := s.dispatch(ctx, c, req)
		if err := resp.write(nc, req, s.cfg.Name); err != nil {
			c.log.Debug("write response failed", "error", err)
			return
		}
	}
}

// dispatch runs one request handler and always yields a response; handler
// errors and panics become error statuses.
func (s *Server) dispatch(ctx context.Context, c *clientConn, req *Request) (resp *Response) {
	resp = &Response{Status: StatusOK}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", "method", req.Method, "panic", r)
			resp = &Response{Status: StatusInternalServerError}
		}
	}()

	var err error
	switch req.Method {
	case MethodOptions:
		resp.Set("Public", publicMethods)
	case MethodDescribe:
		err = s.handleDescribe(ctx, c, req, resp)
	case MethodSetup:
		err = s.handleSetup(c, req, resp)
	case MethodPlay:
		err = s.handlePlay(ctx, c, req, resp)
	case MethodPause:
		if c.session != nil {
			c.session.pause()
			s.setSessionHeader(c, resp)
		}
	case MethodTeardown:
		if c.session != nil {
			c.session.teardown()
			s.setSessionHeader(c, resp)
		}
	default:
		err = fmt.Errorf("%w: unsupported method %s", ErrProtocol, req.Method)
	}
	if err != nil {
		status := statusFor(err)
		if status == StatusInternalServerError {
			c.log.Error("request failed", "method", req.Method, "error", err)
		} else {
			c.log.Warn("request rejected", "method", req.Method, "status", status, "error", err)
		}
		return &Response{Status: status}
	}
	return resp
}

// ensureSession returns the connection's session, creating and registering
// it on first use.
func (s *Server) ensureSession(c *clientConn) *Session {
	if c.session != nil {
		return c.session
	}
	sess := newSession(c.remote, c.log)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	c.session = sess
	c.log.Info("session created", "session", sess.ID())
	return sess
}

func (s *Server) setSessionHeader(c *clientConn, resp *Response) {
	resp.Set("Session", c.session.ID()+";timeout="+strconv.Itoa(s.cfg.SessionTimeout))
}

func (s *Server) handleDescribe(ctx context.Context, c *clientConn, req *Request, resp *Response) error {
	s.ensureSession(c)
	body, err := s.builder.SessionDescription(ctx, c.local.String())
	if err != nil {
		err = fmt.Errorf("rtsp: describe: %w", err)
		s.notify(func(l Listener) { l.OnError(err) })
		return err
	}
	resp.Set("Content-Base", contentBase(c.nc.LocalAddr(), req.URI))
	resp.Set("Content-Type", "application/sdp")
	resp.Body = body
	return nil
}

// contentBase builds the base URL for relative track controls from the
// local socket address and the request path.
func contentBase(local net.Addr, uri string) string {
	path := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		rest := uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			path = rest[j:]
		} else {
			path = "/"
		}
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return "rtsp://" + local.String() + path
}

func (s *Server) handleSetup(c *clientConn, req *Request, resp *Response) error {
	idx, err := trackIndex(req.URI, s.controls)
	if err != nil {
		return err
	}
	sess := s.ensureSession(c)

	var tr Transport
	if h := req.Get("Transport"); h != "" {
		if tr, err = parseTransport(h); err != nil {
			return err
		}
	}
	if !tr.HasPorts {
		prev, ok := sess.previousPorts(idx)
		if !ok {
			return fmt.Errorf("%w: no client_port for track %d", ErrProtocol, idx)
		}
		tr.ClientPorts = prev
	}

	dstIP := c.remote
	if tr.Destination != nil {
		dstIP = tr.Destination
	}
	multicast := dstIP.IsMulticast()
	ttl := s.cfg.MulticastTTL
	if tr.TTL > 0 {
		ttl = tr.TTL
	}

	info := s.builder.Tracks()[idx]
	cd := info.Params.Codec
	pt := info.PayloadType
	if pt == 0 {
		pt = cd.DefaultPayloadType()
	}
	t, err := newTrack(trackConfig{
		index:        idx,
		control:      s.controls[idx],
		codec:        cd,
		payloadType:  pt,
		clockRate:    cd.ClockRate(info.Params.SampleRate),
		mtu:          s.cfg.MTU,
		dst:          &net.UDPAddr{IP: dstIP, Port: tr.ClientPorts[0]},
		ports:        tr.ClientPorts,
		multicastTTL: ttl,
		pool:         s.pool,
	}, sess.log)
	if err != nil {
		return err
	}
	sess.setTrack(t)

	if multicast {
		resp.Set("Transport", fmt.Sprintf("RTP/AVP;multicast;destination=%s;port=%s;ttl=%d",
			dstIP, formatPorts(tr.ClientPorts), ttl))
	} else {
		resp.Set("Transport", fmt.Sprintf("RTP/AVP;unicast;client_port=%s;server_port=%s;ssrc=%08X",
			formatPorts(tr.ClientPorts), formatPorts(t.serverPorts()), t.ssrc))
	}
	s.setSessionHeader(c, resp)
	sess.log.Info("track set up", "track", idx, "codec", cd, "client_port", formatPorts(tr.ClientPorts), "multicast", multicast)

	s.markStreaming()
	return nil
}

func (s *Server) markStreaming() {
	s.mu.Lock()
	first := !s.streaming
	s.streaming = true
	s.mu.Unlock()
	if first {
		s.log.Info("streaming started")
		s.notify(func(l Listener) { l.OnStreamingStarted() })
	}
}

func (s *Server) handlePlay(ctx context.Context, c *clientConn, req *Request, resp *Response) error {
	sess := c.session
	if sess == nil || !sess.configured() {
		return fmt.Errorf("%w: PLAY before SETUP", ErrProtocol)
	}
	if s.cfg.Streamer != nil {
		if err := s.cfg.Streamer.Start(ctx); err != nil {
			err = fmt.Errorf("rtsp: start streamer: %w", err)
			s.notify(func(l Listener) { l.OnError(err) })
			return err
		}
	}
	sess.play()

	base := strings.TrimSuffix(req.URI, "/")
	var infos []string
	for _, t := range sess.sortedTracks() {
		info := fmt.Sprintf("url=%s/%s;seq=%d", base, t.control, t.pk.NextSequence())
		if pts := s.lastPTS[t.kind].Load(); pts >= 0 {
			rate := int64(t.codec.ClockRate(s.builder.Tracks()[t.index].Params.SampleRate))
			info += fmt.Sprintf(";rtptime=%d", uint32(pts*rate/1_000_000))
		}
		infos = append(infos, info)
	}
	resp.Set("Range", "npt=0.000-")
	resp.Set("RTP-Info", strings.Join(infos, ","))
	s.setSessionHeader(c, resp)
	sess.log.Info("playing", "tracks", len(infos))
	return nil
}

// disconnect force-stops the connection's session. The last configured
// session to leave stops the stream.
func (s *Server) disconnect(c *clientConn) {
	c.nc.Close()
	s.mu.Lock()
	delete(s.conns, c.nc)
	if c.session != nil {
		delete(s.sessions, c.session)
	}
	s.mu.Unlock()

	if c.session == nil {
		c.log.Info("client disconnected")
		return
	}
	c.session.close()
	c.log.Info("client disconnected", "session", c.session.ID())

	s.mu.Lock()
	last := s.streaming
	for sess := range s.sessions {
		if sess.configured() {
			last = false
			break
		}
	}
	if last {
		s.streaming = false
	}
	s.mu.Unlock()

	if !last {
		return
	}
	s.log.Info("streaming stopped")
	if s.cfg.Streamer != nil {
		if err := s.cfg.Streamer.Stop(); err != nil {
			s.log.Warn("streamer stop failed", "error", err)
		}
	}
	s.notify(func(l Listener) { l.OnStreamingStopped() })
}

// Prepare implements encoder.Sink. Every track waits for a keyframe from
// the new encoder run.
func (s *Server) Prepare(video, audio *encoder.Params) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	for i := range s.lastPTS {
		s.lastPTS[i].Store(-1)
	}
	s.mu.RLock()
	for sess := range s.sessions {
		for _, t := range sess.sortedTracks() {
			t.waitKey.Store(t.kind == media.KindVideo)
		}
	}
	s.mu.RUnlock()
	s.log.Info("sink prepared", "video", video != nil, "audio", audio != nil)
	return nil
}

// WriteUnit implements encoder.Sink, fanning u out to every playing track
// of its kind. Keyframes without in-band parameter sets get the cached
// ones prepended.
func (s *Server) WriteUnit(u media.Unit) {
	if u.Kind == media.KindVideo {
		if u.Config {
			s.cmu.Lock()
			s.configUnit = append(s.configUnit[:0], u.Data...)
			s.cmu.Unlock()
			return
		}
		if u.Keyframe {
			u.Data = s.withConfig(u.Data)
		}
	}
	if int(u.Kind) < len(s.lastPTS) {
		s.lastPTS[u.Kind].Store(u.PTS)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		sess.offer(u)
	}
}

func (s *Server) withConfig(au []byte) []byte {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if len(s.configUnit) == 0 {
		return au
	}
	c := s.videoCodec()
	if codec.ExtractParameterSets(c, au).Complete() {
		return au
	}
	out := make([]byte, 0, len(s.configUnit)+len(au))
	out = append(out, s.configUnit...)
	return append(out, au...)
}

func (s *Server) videoCodec() codec.Codec {
	for _, t := range s.builder.Tracks() {
		if t.Params.Codec.Kind() == media.KindVideo {
			return t.Params.Codec
		}
	}
	return codec.H264
}

// Release implements encoder.Sink.
func (s *Server) Release() {
	s.log.Info("sink released")
}

// FormatChanged implements encoder.FormatSink. Video parameter sets are
// cached for keyframes and for later DESCRIBE responses.
func (s *Server) FormatChanged(kind media.Kind, f encoder.Format) {
	if kind != media.KindVideo || !f.ParameterSets.Complete() {
		return
	}
	s.cmu.Lock()
	s.configUnit = f.ParameterSets.ConfigUnit()
	s.cmu.Unlock()
	for i, t := range s.builder.Tracks() {
		if t.Params.Codec == f.ParameterSets.Codec {
			s.builder.SetParameterSets(i, f.ParameterSets)
		}
	}
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
