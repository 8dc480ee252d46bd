package encoder

import (
	"errors"
	"fmt"
)

// Sentinel errors for encoder orchestration. Callers distinguish failure
// modes with errors.Is.
var (
	ErrSinkPrepare  = errors.New("encoder: sink prepare failed")
	ErrStartTimeout = errors.New("encoder: start timed out")
	ErrStopTimeout  = errors.New("encoder: stop timed out")
	ErrNotStarted   = errors.New("encoder: restart before first start")
	ErrClosed       = errors.New("encoder: closed")
	ErrNoEncoders   = errors.New("encoder: streamer has no encoders")
)

// CodecError is a failure reported by the hardware codec. Op names the
// codec call or callback that failed.
type CodecError struct {
	Encoder string
	Op      string
	Err     error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("encoder %s: %s: %v", e.Encoder, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
