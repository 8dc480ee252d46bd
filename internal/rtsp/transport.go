package rtsp

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Transport is the parsed subset of an RTSP Transport header.
type Transport struct {
	Profile     string
	Multicast   bool
	Destination net.IP
	ClientPorts [2]int
	HasPorts    bool
	TTL         int
}

// parseTransport parses the first transport spec of a Transport header.
// Only RTP over UDP is accepted.
func parseTransport(h string) (Transport, error) {
	var t Transport
	spec, _, _ := strings.Cut(h, ",")
	parts := strings.Split(spec, ";")
	t.Profile = strings.TrimSpace(parts[0])
	if !strings.HasPrefix(t.Profile, "RTP/AVP") {
		return t, fmt.Errorf("%w: unsupported transport %q", ErrProtocol, t.Profile)
	}
	if strings.HasSuffix(t.Profile, "/TCP") {
		return t, fmt.Errorf("%w: interleaved TCP transport not supported", ErrProtocol)
	}

	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "multicast":
			t.Multicast = true
		case "unicast":
			t.Multicast = false
		case "destination":
			t.Destination = net.ParseIP(v)
		case "client_port", "port":
			ports, err := parsePortRange(v)
			if err != nil {
				return t, err
			}
			t.ClientPorts = ports
			t.HasPorts = true
		case "ttl":
			t.TTL, _ = strconv.Atoi(v)
		}
	}
	return t, nil
}

func parsePortRange(v string) ([2]int, error) {
	lo, hi, ok := strings.Cut(v, "-")
	p1, err := strconv.Atoi(lo)
	if err != nil || p1 <= 0 || p1 > 65535 {
		return [2]int{}, fmt.Errorf("%w: bad port range %q", ErrProtocol, v)
	}
	p2 := p1 + 1
	if ok {
		p2, err = strconv.Atoi(hi)
		if err != nil || p2 <= 0 || p2 > 65535 {
			return [2]int{}, fmt.Errorf("%w: bad port range %q", ErrProtocol, v)
		}
	}
	return [2]int{p1, p2}, nil
}

func formatPorts(p [2]int) string {
	return strconv.Itoa(p[0]) + "-" + strconv.Itoa(p[1])
}

var trackIDPattern = regexp.MustCompile(`trackID=(\d+)`)

// trackIndex resolves the track addressed by a SETUP or PLAY URI: either
// one of the configured control values or a trackID=<n> parameter.
func trackIndex(uri string, controls []string) (int, error) {
	path := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		path = u.Path
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
	}
	path = strings.TrimSuffix(path, "/")
	for i, c := range controls {
		if c != "" && (path == c || strings.HasSuffix(path, "/"+c)) {
			return i, nil
		}
	}
	m := trackIDPattern.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("%w: no track in %q", ErrNotFound, uri)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n >= len(controls) {
		return 0, fmt.Errorf("%w: track %s", ErrNotFound, m[1])
	}
	return n, nil
}
