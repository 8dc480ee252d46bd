package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// maxBodySize bounds request bodies; RTSP clients seldom send any.
const maxBodySize = 64 << 10

var requestLine = regexp.MustCompile(`^([A-Z_]+) (\S+) RTSP/(\d+\.\d+)$`)

// Request is a parsed RTSP request. Header keys are lower case.
type Request struct {
	Method  string
	URI     string
	Version string
	Header  map[string]string
	Body    []byte
}

// Get returns the header value for key, case-insensitively.
func (r *Request) Get(key string) string {
	return r.Header[strings.ToLower(key)]
}

// CSeq returns the parsed CSeq header.
func (r *Request) CSeq() (int, bool) {
	v := r.Get("CSeq")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// readRequest reads one request. A request line that does not parse and an
// EOF anywhere in the request are both reported as errDisconnect.
func readRequest(r *bufio.Reader) (*Request, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, disconnect(err)
	}
	m := requestLine.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil, fmt.Errorf("%w: bad request line %q", errDisconnect, strings.TrimSpace(line))
	}
	req := &Request{
		Method:  m[1],
		URI:     m[2],
		Version: m[3],
		Header:  make(map[string]string),
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, disconnect(err)
		}
		// a line of at most CR LF plus one stray byte ends the headers
		if len(line) <= 3 {
			break
		}
		k, v, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":")
		if !ok {
			continue
		}
		req.Header[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	if cl := req.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > maxBodySize {
			return req, fmt.Errorf("%w: bad Content-Length %q", ErrProtocol, cl)
		}
		req.Body = make([]byte, n)
		if _, err := io.ReadFull(r, req.Body); err != nil {
			return nil, disconnect(err)
		}
	}
	return req, nil
}

func disconnect(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errDisconnect
	}
	return fmt.Errorf("%w: %w", errDisconnect, err)
}

type headerField struct {
	key   string
	value string
}

// Response is an RTSP response under construction.
type Response struct {
	Status int
	header []headerField
	Body   []byte
}

// Set adds or replaces a header.
func (r *Response) Set(key, value string) {
	for i := range r.header {
		if strings.EqualFold(r.header[i].key, key) {
			r.header[i].value = value
			return
		}
	}
	r.header = append(r.header, headerField{key, value})
}

// Get returns a header value set on r.
func (r *Response) Get(key string) string {
	for _, h := range r.header {
		if strings.EqualFold(h.key, key) {
			return h.value
		}
	}
	return ""
}

// write serializes r. Server, CSeq (when the request carried a parseable
// one) and Content-Length are always present.
func (r *Response) write(w io.Writer, req *Request, server string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\n", r.Status, StatusText(r.Status))
	if req != nil {
		if cseq, ok := req.CSeq(); ok {
			fmt.Fprintf(&b, "CSeq: %d\r\n", cseq)
		}
	}
	fmt.Fprintf(&b, "Server: %s\r\n", server)
	for _, h := range r.header {
		fmt.Fprintf(&b, "%s: %s\r\n", h.key, h.value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(r.Body))
	b.Write(r.Body)
	_, err := io.WriteString(w, b.String())
	return err
}
