package rtsp

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		method  string
		uri     string
		headers map[string]string
		body    string
	}{
		{
			name:   "describe",
			input:  "DESCRIBE rtsp://10.0.0.1:8554/test RTSP/1.0\r\nCSeq: 2\r\nAccept: application/sdp\r\n\r\n",
			method: "DESCRIBE",
			uri:    "rtsp://10.0.0.1:8554/test",
			headers: map[string]string{
				"cseq":   "2",
				"accept": "application/sdp",
			},
		},
		{
			name:    "mixed case keys",
			input:   "SETUP rtsp://h/test/trackID=0 RTSP/1.0\r\ncseq: 3\r\nTRANSPORT: RTP/AVP;unicast;client_port=5000-5001\r\n\r\n",
			method:  "SETUP",
			uri:     "rtsp://h/test/trackID=0",
			headers: map[string]string{"cseq": "3", "transport": "RTP/AVP;unicast;client_port=5000-5001"},
		},
		{
			name:    "bare LF terminator",
			input:   "OPTIONS * RTSP/1.0\nCSeq: 1\n\n",
			method:  "OPTIONS",
			uri:     "*",
			headers: map[string]string{"cseq": "1"},
		},
		{
			name:    "short line ends headers",
			input:   "PLAY rtsp://h/test RTSP/1.0\r\nCSeq: 5\r\n \r\nIgnored: yes\r\n",
			method:  "PLAY",
			uri:     "rtsp://h/test",
			headers: map[string]string{"cseq": "5"},
		},
		{
			name:    "body",
			input:   "SET_PARAMETER rtsp://h/test RTSP/1.0\r\nContent-Length: 5\r\n\r\nhello",
			method:  "SET_PARAMETER",
			uri:     "rtsp://h/test",
			headers: map[string]string{"content-length": "5"},
			body:    "hello",
		},
		{
			name:    "header without colon skipped",
			input:   "TEARDOWN rtsp://h/test RTSP/1.0\r\ngarbage line\r\nCSeq: 9\r\n\r\n",
			method:  "TEARDOWN",
			uri:     "rtsp://h/test",
			headers: map[string]string{"cseq": "9"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := readRequest(bufio.NewReader(strings.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("readRequest: %v", err)
			}
			if req.Method != tt.method || req.URI != tt.uri {
				t.Errorf("got %s %s, want %s %s", req.Method, req.URI, tt.method, tt.uri)
			}
			if len(req.Header) != len(tt.headers) {
				t.Errorf("headers = %v, want %v", req.Header, tt.headers)
			}
			for k, v := range tt.headers {
				if got := req.Header[k]; got != v {
					t.Errorf("header %q = %q, want %q", k, got, v)
				}
			}
			if string(req.Body) != tt.body {
				t.Errorf("body = %q, want %q", req.Body, tt.body)
			}
		})
	}
}

func TestReadRequestDisconnect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad request line", "HELLO\r\n\r\n"},
		{"lowercase method", "describe rtsp://h/test RTSP/1.0\r\n\r\n"},
		{"wrong protocol", "DESCRIBE rtsp://h/test HTTP/1.1\r\n\r\n"},
		{"eof in headers", "DESCRIBE rtsp://h/test RTSP/1.0\r\nCSeq: 1\r\n"},
		{"eof in body", "SET_PARAMETER rtsp://h/test RTSP/1.0\r\nContent-Length: 10\r\n\r\nabc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := readRequest(bufio.NewReader(strings.NewReader(tt.input)))
			if !errors.Is(err, errDisconnect) {
				t.Fatalf("err = %v, want errDisconnect", err)
			}
		})
	}
}

func TestReadRequestBadContentLength(t *testing.T) {
	t.Parallel()
	_, err := readRequest(bufio.NewReader(strings.NewReader(
		"SET_PARAMETER rtsp://h/test RTSP/1.0\r\nContent-Length: many\r\n\r\n")))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestRequestCSeq(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value string
		want  int
		ok    bool
	}{
		{"7", 7, true},
		{" 12 ", 12, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		req := &Request{Header: map[string]string{}}
		if tt.value != "" {
			req.Header["cseq"] = tt.value
		}
		got, ok := req.CSeq()
		if got != tt.want || ok != tt.ok {
			t.Errorf("CSeq(%q) = %d, %v; want %d, %v", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResponseWrite(t *testing.T) {
	t.Parallel()
	req := &Request{Header: map[string]string{"cseq": "4"}}
	resp := &Response{Status: StatusOK, Body: []byte("v=0\r\n")}
	resp.Set("Content-Type", "application/sdp")
	resp.Set("content-type", "application/sdp") // replaces, not duplicates

	var buf bytes.Buffer
	if err := resp.write(&buf, req, "castkit"); err != nil {
		t.Fatal(err)
	}
	want := "RTSP/1.0 200 OK\r\n" +
		"CSeq: 4\r\n" +
		"Server: castkit\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 5\r\n\r\n" +
		"v=0\r\n"
	if buf.String() != want {
		t.Errorf("got:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestResponseWithoutCSeq(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	resp := &Response{Status: StatusNotFound}
	if err := resp.write(&buf, &Request{Header: map[string]string{"cseq": "x"}}, "castkit"); err != nil {
		t.Fatal(err)
	}
	want := "RTSP/1.0 404 Not Found\r\nServer: castkit\r\nContent-Length: 0\r\n\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want string
	}{
		{StatusOK, "OK"},
		{StatusBadRequest, "Bad RTSP Request"},
		{StatusNotFound, "Not Found"},
		{StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		if got := StatusText(tt.code); got != tt.want {
			t.Errorf("StatusText(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{nil, StatusOK},
		{ErrProtocol, StatusBadRequest},
		{errors.Join(errors.New("x"), ErrNotFound), StatusNotFound},
		{errors.New("boom"), StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
