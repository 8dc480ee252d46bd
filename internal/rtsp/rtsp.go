// Package rtsp implements the RTSP/1.0 server side of castkit: request
// parsing, a per-connection session state machine, SDP DESCRIBE responses,
// and RTP egress over UDP fed by the encoder Streamer.
//
// Each client connection is served by one goroutine that reads a request,
// dispatches it and writes exactly one response. Every configured track of
// a playing session has its own egress goroutine, the single writer of that
// track's RTP sequence.
package rtsp

import (
	"errors"
	"net/http"
)

// Defaults.
const (
	DefaultPort            = 8554
	DefaultMaxPortAttempts = 1000
	DefaultSessionTimeout  = 60
	DefaultMulticastTTL    = 16
	ServerName             = "castkit"
)

var (
	// ErrProtocol is a malformed request or transport header (400).
	ErrProtocol = errors.New("rtsp: protocol error")
	// ErrNotFound is a request for an unknown track (404).
	ErrNotFound = errors.New("rtsp: not found")
	// ErrBind means no port in the retry window could be bound.
	ErrBind = errors.New("rtsp: bind failed")
	// ErrServerClosed is returned by Serve after the server shut down.
	ErrServerClosed = errors.New("rtsp: server closed")

	// errDisconnect ends the connection without a response: EOF or a
	// request line that does not parse.
	errDisconnect = errors.New("rtsp: client disconnected")
)

// Status codes used in responses.
const (
	StatusOK                  = http.StatusOK
	StatusBadRequest          = http.StatusBadRequest
	StatusNotFound            = http.StatusNotFound
	StatusInternalServerError = http.StatusInternalServerError
)

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "Bad RTSP Request"
	case StatusNotFound:
		return "Not Found"
	default:
		return "Internal Server Error"
	}
}

// statusFor maps a handler error onto a status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrProtocol):
		return StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	default:
		return StatusInternalServerError
	}
}

// Methods.
const (
	MethodDescribe = "DESCRIBE"
	MethodOptions  = "OPTIONS"
	MethodSetup    = "SETUP"
	MethodPlay     = "PLAY"
	MethodPause    = "PAUSE"
	MethodTeardown = "TEARDOWN"
)

const publicMethods = "DESCRIBE,SETUP,TEARDOWN,PLAY,PAUSE"
