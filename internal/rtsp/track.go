package rtsp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/media"
	"github.com/zsiec/castkit/internal/packetizer"
)

// track is the RTP egress of one configured track of one session. Units
// are handed over as pool frames through queue; run is the only writer of
// the track's packetizer and socket.
type track struct {
	index   int
	control string
	codec   codec.Codec
	kind    media.Kind
	log     *slog.Logger

	pk    packetizer.Packetizer
	ssrc  uint32
	conn  *net.UDPConn
	dst   *net.UDPAddr
	ports [2]int
	pool  *media.FramePool

	mu      sync.RWMutex // guards closed against offer
	closed  bool
	queue   chan *media.Frame
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	playing atomic.Bool
	waitKey atomic.Bool

	packets atomic.Int64
	bytes   atomic.Int64
}

type trackConfig struct {
	index        int
	control      string
	codec        codec.Codec
	payloadType  uint8
	clockRate    uint32
	mtu          int
	dst          *net.UDPAddr
	ports        [2]int
	multicastTTL int
	pool         *media.FramePool
}

// newTrack opens the egress socket. The packetizer starts at sequence 0 so
// PLAY can report it in RTP-Info.
func newTrack(cfg trackConfig, log *slog.Logger) (*track, error) {
	pcfg := packetizer.DefaultConfig(cfg.codec)
	pcfg.InitialSequence = 0
	pcfg.PayloadType = cfg.payloadType
	pcfg.ClockRate = cfg.clockRate
	if cfg.mtu > 0 {
		pcfg.MTU = cfg.mtu
	}
	pk, err := packetizer.New(cfg.codec, pcfg)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("rtsp: open RTP socket: %w", err)
	}
	if cfg.dst.IP.IsMulticast() && cfg.dst.IP.To4() != nil {
		if err := ipv4.NewPacketConn(conn).SetMulticastTTL(cfg.multicastTTL); err != nil {
			log.Warn("set multicast TTL failed", "error", err)
		}
	}

	size := media.VideoQueueSize
	if cfg.codec.Kind() == media.KindAudio {
		size = media.AudioQueueSize
	}
	t := &track{
		index:   cfg.index,
		control: cfg.control,
		codec:   cfg.codec,
		kind:    cfg.codec.Kind(),
		log:     log.With("track", cfg.index, "dst", cfg.dst.String()),
		pk:      pk,
		ssrc:    pcfg.SSRC,
		conn:    conn,
		dst:     cfg.dst,
		ports:   cfg.ports,
		pool:    cfg.pool,
		queue:   make(chan *media.Frame, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.waitKey.Store(t.kind == media.KindVideo)
	return t, nil
}

// serverPorts reports the local RTP port and the RTCP port next to it.
func (t *track) serverPorts() [2]int {
	p := t.conn.LocalAddr().(*net.UDPAddr).Port
	return [2]int{p, p + 1}
}

func (t *track) start() {
	if t.started.CompareAndSwap(false, true) {
		go t.run()
	}
}

// offer hands a unit to the egress goroutine without blocking. Pool or
// queue exhaustion drops the unit.
func (t *track) offer(u media.Unit) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || !t.playing.Load() {
		return
	}
	f := t.pool.Acquire(u.Data)
	if f == nil {
		t.pk.Drop()
		return
	}
	f.PTS = u.PTS
	select {
	case t.queue <- f:
	default:
		t.pool.Release(f)
		t.pk.Drop()
	}
}

func (t *track) run() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			t.drain()
			return
		case f := <-t.queue:
			t.send(f)
		}
	}
}

func (t *track) send(f *media.Frame) {
	pkts, err := t.pk.Packetize(f.Bytes(), f.PTS)
	t.pool.Release(f)
	if err != nil {
		t.log.Warn("packetize failed", "error", err)
		return
	}
	for _, p := range pkts {
		b, err := p.Marshal()
		if err != nil {
			t.log.Warn("rtp marshal failed", "error", err)
			continue
		}
		n, err := t.conn.WriteToUDP(b, t.dst)
		if err != nil {
			t.log.Debug("rtp write failed", "error", err)
			continue
		}
		t.packets.Add(1)
		t.bytes.Add(int64(n))
	}
}

func (t *track) drain() {
	for {
		select {
		case f := <-t.queue:
			t.pool.Release(f)
		default:
			return
		}
	}
}

// close stops the egress goroutine and closes the socket.
func (t *track) close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.playing.Store(false)
		t.mu.Unlock()
		close(t.quit)
		if t.started.Load() {
			<-t.done
		} else {
			t.drain()
		}
		t.conn.Close()
		st := t.pk.Stats()
		t.log.Info("track closed", "packets", t.packets.Load(), "bytes", t.bytes.Load(), "dropped", st.Dropped)
	})
}
