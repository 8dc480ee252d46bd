package rtsp

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/castkit/internal/media"
)

// SessionState is the state of one client session.
type SessionState int

// Session states.
const (
	StateAwaitingDescribe SessionState = iota
	StateConfigured
	StatePlaying
	StatePaused
	StateTornDown
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingDescribe:
		return "awaiting-describe"
	case StateConfigured:
		return "configured"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the server-side state of one client connection. It is created
// by the first DESCRIBE (or a SETUP without one) and destroyed when the
// client disconnects.
type Session struct {
	id     string
	remote net.IP
	log    *slog.Logger

	mu     sync.Mutex
	state  SessionState
	tracks map[int]*track
	ports  map[int][2]int
}

func newSession(remote net.IP, log *slog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:     id,
		remote: remote,
		log:    log.With("session", id),
		state:  StateAwaitingDescribe,
		tracks: make(map[int]*track),
		ports:  make(map[int][2]int),
	}
}

// ID returns the session identifier sent in the Session header.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	if s.state != st {
		s.log.Debug("session state", "from", s.state, "to", st)
		s.state = st
	}
}

// configured reports whether any track has been set up.
func (s *Session) configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks) > 0
}

// setTrack installs t, replacing and closing a previous setup of the same
// track. A playing session starts the new track immediately.
func (s *Session) setTrack(t *track) {
	s.mu.Lock()
	old := s.tracks[t.index]
	s.tracks[t.index] = t
	s.ports[t.index] = t.ports
	if s.state == StatePlaying {
		t.playing.Store(true)
		t.start()
	} else if s.state == StateAwaitingDescribe || s.state == StateTornDown {
		s.setState(StateConfigured)
	}
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (s *Session) previousPorts(index int) ([2]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[index]
	return p, ok
}

// sortedTracks returns the configured tracks by index.
func (s *Session) sortedTracks() []*track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *track) int { return a.index - b.index })
	return out
}

func (s *Session) play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if !t.playing.Load() {
			t.waitKey.Store(t.kind == media.KindVideo)
		}
		t.playing.Store(true)
		t.start()
	}
	s.setState(StatePlaying)
}

func (s *Session) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return
	}
	for _, t := range s.tracks {
		t.playing.Store(false)
	}
	s.setState(StatePaused)
}

// teardown only moves the state; egress stops when the connection closes.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateTornDown)
}

// close force-stops every track.
func (s *Session) close() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[int]*track)
	s.mu.Unlock()
	for _, t := range tracks {
		t.close()
	}
}

// offer hands u to every playing track of the unit's kind.
func (s *Session) offer(u media.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind != u.Kind || !t.playing.Load() {
			continue
		}
		if t.waitKey.Load() {
			if !u.Keyframe {
				continue
			}
			t.waitKey.Store(false)
		}
		t.offer(u)
	}
}
