// Package encoder drives hardware codecs through their start/stop lifecycle
// and orchestrates a video and an audio encoder feeding a common Sink.
//
// Each Encoder owns one worker goroutine that serializes state transitions
// (STOPPED → STARTING → RUNNING → STOPPING → STOPPED) through an inbound
// command queue. Codec callbacks arrive on the codec's own goroutine and
// are forwarded to the owner through Hooks.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/media"
)

// Params are the configured encoding parameters of one elementary stream.
type Params struct {
	Codec      codec.Codec
	Width      int
	Height     int
	FrameRate  int
	Bitrate    int
	SampleRate int
	Channels   int
}

// Kind reports whether the stream is video or audio.
func (p Params) Kind() media.Kind { return p.Codec.Kind() }

// AudioConfig returns the AAC configuration implied by p.
func (p Params) AudioConfig() codec.AudioConfig {
	return codec.AudioConfig{
		ObjectType: codec.AACObjectTypeLC,
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
	}
}

// Format is the output format a codec reports once it is known: the
// configured parameters plus the out-of-band configuration the decoder
// needs.
type Format struct {
	Params
	ParameterSets codec.ParameterSets
}

// Timing accompanies each buffer written by a codec.
type Timing struct {
	// PTS in microseconds. A negative value asks the encoder to stamp the
	// buffer from its monotonic clock on arrival.
	PTS      int64
	Keyframe bool
	Config   bool
}

// Callback is the surface a HardwareCodec reports through.
type Callback interface {
	OnFormatChanged(f Format)
	// OnWriteData delivers one encoded access unit. data is only valid
	// for the duration of the call.
	OnWriteData(data []byte, t Timing)
	OnError(err error)
}

// HardwareCodec is the boundary to a platform encoder. Calls are made from
// the encoder's worker goroutine only.
type HardwareCodec interface {
	Params() Params
	// Prepare acquires codec resources.
	Prepare() error
	// StartRecording begins capture and attaches cb.
	StartRecording(cb Callback) error
	StopRecording() error
	Release() error
}

// Factory creates a fresh HardwareCodec, e.g. for probing.
type Factory func() (HardwareCodec, error)

// State is the lifecycle state of an Encoder.
type State int32

// Encoder states.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Hooks receive encoder events. Nil hooks are skipped. OnStarted,
// OnStopped and start failures run on the worker goroutine; OnFormat,
// OnUnit and runtime errors run on the codec's goroutine.
type Hooks struct {
	OnStarted func()
	OnStopped func()
	OnError   func(error)
	OnFormat  func(Format)
	// OnUnit receives each access unit; u.Data is only valid during the
	// call.
	OnUnit func(u media.Unit)
}

type op int

const (
	opStart op = iota
	opStop
)

type command struct {
	op   op
	done chan error
}

// Encoder runs one HardwareCodec.
type Encoder struct {
	name  string
	hw    HardwareCodec
	kind  media.Kind
	hooks Hooks
	log   *slog.Logger

	state       atomic.Int32
	gen         atomic.Uint64
	everStarted atomic.Bool

	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	lastPTS   int64
	havePTS   bool
	startedAt time.Time
	format    *Format
}

// New creates an Encoder and starts its worker goroutine. Call Close to
// release it. If log is nil, slog.Default() is used.
func New(name string, hw HardwareCodec, hooks Hooks, log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	e := &Encoder{
		name:  name,
		hw:    hw,
		kind:  hw.Params().Kind(),
		hooks: hooks,
		log:   log.With("component", "encoder", "encoder", name),
		cmds:  make(chan command, 8),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Name returns the encoder name.
func (e *Encoder) Name() string { return e.name }

// Params returns the codec's configured parameters.
func (e *Encoder) Params() Params { return e.hw.Params() }

// State returns the current lifecycle state.
func (e *Encoder) State() State { return State(e.state.Load()) }

// Format returns the most recent format reported by the codec.
func (e *Encoder) Format() (Format, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.format == nil {
		return Format{}, false
	}
	return *e.format, true
}

// Start requests an asynchronous start. It is a no-op while starting or
// running.
func (e *Encoder) Start() {
	_ = e.post(command{op: opStart})
}

// Stop requests an asynchronous stop. It is a no-op while stopped.
func (e *Encoder) Stop() {
	_ = e.post(command{op: opStop})
}

// StartWait starts the encoder and waits until it is RUNNING or the start
// failed. A ctx expiry is reported as ErrStartTimeout.
func (e *Encoder) StartWait(ctx context.Context) error {
	err := e.wait(ctx, opStart)
	if ctx.Err() != nil && err == ctx.Err() {
		return fmt.Errorf("%w: %s: %w", ErrStartTimeout, e.name, err)
	}
	return err
}

// StopWait stops the encoder and waits until it is STOPPED. A ctx expiry
// is reported as ErrStopTimeout.
func (e *Encoder) StopWait(ctx context.Context) error {
	err := e.wait(ctx, opStop)
	if ctx.Err() != nil && err == ctx.Err() {
		return fmt.Errorf("%w: %s: %w", ErrStopTimeout, e.name, err)
	}
	return err
}

// Restart stops and then starts the encoder, returning once the start
// phase completed. It is only valid after a first start.
func (e *Encoder) Restart(ctx context.Context) error {
	if !e.everStarted.Load() {
		return fmt.Errorf("%w: %s", ErrNotStarted, e.name)
	}
	if err := e.StopWait(ctx); err != nil {
		return err
	}
	return e.StartWait(ctx)
}

// Close stops the encoder and terminates its worker goroutine.
func (e *Encoder) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
}

func (e *Encoder) wait(ctx context.Context, o op) error {
	done := make(chan error, 1)
	if err := e.post(command{op: o, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

func (e *Encoder) post(cmd command) error {
	select {
	case <-e.quit:
		return ErrClosed
	default:
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.quit:
		return ErrClosed
	}
}

func (e *Encoder) run() {
	defer close(e.done)
	for {
		select {
		case cmd := <-e.cmds:
			var err error
			switch cmd.op {
			case opStart:
				err = e.doStart()
			case opStop:
				e.doStop()
			}
			if cmd.done != nil {
				cmd.done <- err
			}
		case <-e.quit:
			e.doStop()
			return
		}
	}
}

func (e *Encoder) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	e.log.Debug("state transition", "from", prev, "to", s)
}

func (e *Encoder) doStart() error {
	if s := e.State(); s == Starting || s == Running {
		return nil
	}
	e.setState(Starting)
	e.everStarted.Store(true)

	if err := e.hw.Prepare(); err != nil {
		e.setState(Stopped)
		return e.fail("prepare", err)
	}

	gen := e.gen.Add(1)
	e.mu.Lock()
	e.havePTS = false
	e.startedAt = time.Now()
	e.mu.Unlock()

	if err := e.hw.StartRecording(&callback{e: e, gen: gen}); err != nil {
		e.gen.Add(1)
		if rerr := e.hw.Release(); rerr != nil {
			e.log.Debug("release after failed start", "error", rerr)
		}
		e.setState(Stopped)
		return e.fail("start recording", err)
	}

	e.setState(Running)
	e.log.Info("encoder started", "codec", e.hw.Params().Codec)
	if e.hooks.OnStarted != nil {
		e.hooks.OnStarted()
	}
	return nil
}

// doStop never fails: codec errors on the stop path are logged and
// swallowed so the encoder always ends up STOPPED.
func (e *Encoder) doStop() {
	if e.State() == Stopped {
		return
	}
	e.setState(Stopping)
	e.gen.Add(1) // late callbacks from this run are ignored

	if err := e.hw.StopRecording(); err != nil {
		e.log.Warn("stop recording failed", "error", err)
	}
	if err := e.hw.Release(); err != nil {
		e.log.Warn("release failed", "error", err)
	}

	e.setState(Stopped)
	e.log.Info("encoder stopped")
	if e.hooks.OnStopped != nil {
		e.hooks.OnStopped()
	}
}

func (e *Encoder) fail(op string, err error) error {
	cerr := &CodecError{Encoder: e.name, Op: op, Err: err}
	e.log.Error("codec failure", "op", op, "error", err)
	if e.hooks.OnError != nil {
		e.hooks.OnError(cerr)
	}
	return cerr
}

// stamp maps a codec timestamp onto a non-decreasing microsecond clock.
func (e *Encoder) stamp(pts int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pts < 0 {
		pts = time.Since(e.startedAt).Microseconds()
	}
	if e.havePTS && pts < e.lastPTS {
		pts = e.lastPTS
	}
	e.havePTS = true
	e.lastPTS = pts
	return pts
}

// callback binds codec events to one recording run; events from an older
// run are dropped.
type callback struct {
	e   *Encoder
	gen uint64
}

func (c *callback) current() bool {
	return c.e.gen.Load() == c.gen
}

func (c *callback) OnFormatChanged(f Format) {
	if !c.current() {
		return
	}
	e := c.e
	f.ParameterSets = codec.ParameterSets{
		Codec: f.ParameterSets.Codec,
		VPS:   append([]byte(nil), f.ParameterSets.VPS...),
		SPS:   append([]byte(nil), f.ParameterSets.SPS...),
		PPS:   append([]byte(nil), f.ParameterSets.PPS...),
	}
	e.mu.Lock()
	e.format = &f
	e.mu.Unlock()
	e.log.Info("format changed", "codec", f.Codec, "width", f.Width, "height", f.Height)
	if e.hooks.OnFormat != nil {
		e.hooks.OnFormat(f)
	}
}

func (c *callback) OnWriteData(data []byte, t Timing) {
	e := c.e
	if !c.current() || e.State() != Running {
		return
	}
	if e.hooks.OnUnit == nil {
		return
	}
	e.hooks.OnUnit(media.Unit{
		Kind:     e.kind,
		PTS:      e.stamp(t.PTS),
		Data:     data,
		Keyframe: t.Keyframe,
		Config:   t.Config,
	})
}

// OnError reports a runtime codec failure and stops the encoder; other
// encoders and sinks are unaffected.
func (c *callback) OnError(err error) {
	if !c.current() {
		return
	}
	e := c.e
	cerr := &CodecError{Encoder: e.name, Op: "callback", Err: err}
	e.log.Error("codec error", "error", err)
	if e.hooks.OnError != nil {
		e.hooks.OnError(cerr)
	}
	select {
	case e.cmds <- command{op: opStop}:
	default:
		e.log.Warn("command queue full, stop after codec error not queued")
	}
}
