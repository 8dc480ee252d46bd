package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Serve accepts SRT callers until ctx is cancelled. Each caller becomes a
// subscriber and receives the transport stream from the next join point.
func (p *Publisher) Serve(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(p.cfg.Addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", p.cfg.Addr, err)
	}
	p.log.Info("listening", "addr", p.cfg.Addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !p.accepts(req.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("accept error", "error", err)
			continue
		}
		p.log.Info("subscribe", "stream_key", streamKey(conn.StreamID()), "remote", conn.RemoteAddr())
		go p.handleSubscriber(ctx, conn)
	}
}

func (p *Publisher) accepts(streamID string) bool {
	return p.cfg.StreamKey == "" || streamKey(streamID) == p.cfg.StreamKey
}

func (p *Publisher) handleSubscriber(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	sub := p.reg.Register(conn.RemoteAddr().String())
	if err := p.join(ctx); err != nil {
		p.log.Warn("stream start failed", "subscriber", sub.ID, "error", err)
		p.reg.Unregister(sub.ID)
		p.leave()
		return
	}

	stop := context.AfterFunc(ctx, func() { p.reg.Unregister(sub.ID) })
	defer stop()

	if err := sub.serve(conn); err != nil && !errors.Is(err, io.EOF) {
		p.log.Debug("write error", "subscriber", sub.ID, "error", err)
	}
	p.reg.Unregister(sub.ID)
	p.leave()

	st := sub.Stats()
	p.log.Info("subscriber closed", "subscriber", sub.ID,
		"bytes", st.BytesSent, "chunks", st.Chunks, "dropped", st.Dropped,
		"uptime_ms", st.UptimeMs)
}

// join holds the shared stream open for a new subscriber.
func (p *Publisher) join(ctx context.Context) error {
	if p.cfg.Stream == nil {
		return nil
	}
	p.demand.Lock()
	defer p.demand.Unlock()
	return p.cfg.Stream.Start(ctx)
}

// leave releases the shared stream once no subscriber remains.
func (p *Publisher) leave() {
	if p.cfg.Stream == nil {
		return
	}
	p.demand.Lock()
	defer p.demand.Unlock()
	if p.reg.Len() > 0 {
		return
	}
	if err := p.cfg.Stream.Stop(); err != nil {
		p.log.Warn("stream stop failed", "error", err)
	}
}

// streamKey normalizes an SRT stream id: "/live/cam1", "live/cam1" and
// "cam1" all name "cam1".
func streamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
