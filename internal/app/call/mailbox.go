package call

import (
	"sync"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
)

// event is anything the dispatch loop reacts to. gen is the peer
// connection generation the event was produced for.
type event interface {
	generation() uint64
}

type envelope struct{ gen uint64 }

func (e envelope) generation() uint64 { return e.gen }

type localCandidateEvent struct {
	envelope
	cand domain.ICECandidate
}

type remoteCandidateEvent struct {
	envelope
	rec domain.Candidate
}

type roomEvent struct {
	envelope
	room   domain.Room
	exists bool
}

type connStateEvent struct {
	envelope
	state domain.ConnectionState
}

type remoteTrackEvent struct {
	envelope
	track core.RemoteTrack
}

// mailbox is an unbounded queue so transport and store callbacks never
// block on the session.
type mailbox struct {
	mu    sync.Mutex
	queue []event
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(e event) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
