package encoder

import (
	"errors"

	"github.com/zsiec/castkit/internal/media"
)

// Sink consumes encoded access units. A nil Params argument to Prepare
// means that stream is absent.
type Sink interface {
	Prepare(video, audio *Params) error
	// WriteUnit is called on the codec goroutine; u.Data is only valid
	// for the duration of the call.
	WriteUnit(u media.Unit)
	Release()
}

// FormatSink is implemented by sinks that want codec format updates.
type FormatSink interface {
	FormatChanged(kind media.Kind, f Format)
}

// FanoutSink forwards to several sinks.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink returns a Sink that forwards every call to each of sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Prepare prepares every sink in order. If one fails, the sinks prepared
// before it are released.
func (f *FanoutSink) Prepare(video, audio *Params) error {
	for i, s := range f.sinks {
		if err := s.Prepare(video, audio); err != nil {
			for _, prev := range f.sinks[:i] {
				prev.Release()
			}
			return err
		}
	}
	return nil
}

func (f *FanoutSink) WriteUnit(u media.Unit) {
	for _, s := range f.sinks {
		s.WriteUnit(u)
	}
}

func (f *FanoutSink) Release() {
	for _, s := range f.sinks {
		s.Release()
	}
}

func (f *FanoutSink) FormatChanged(kind media.Kind, fm Format) {
	for _, s := range f.sinks {
		if fs, ok := s.(FormatSink); ok {
			fs.FormatChanged(kind, fm)
		}
	}
}

var errNilSink = errors.New("encoder: nil sink")
