package playback

import (
	"context"
	"fmt"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// dial calls an SRT listener. The handshake runs on its own goroutine so
// that the timeout and ctx can abandon it; a connection that completes
// after that is closed.
func dial(ctx context.Context, addr, streamID string, timeout time.Duration) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("playback: SRT dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("%w: %s after %s", ErrDialTimeout, addr, timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}
