package app

import (
	"sync"

	"github.com/dkeye/CareCall/internal/app/call"
	"github.com/rs/zerolog/log"
)

// ClientID is the cookie-bound token identifying one Call View.
type ClientID string

type callEntry struct {
	Room    string
	User    string
	Session *call.Session
}

// Registry keeps at most one active call per client.
type Registry struct {
	mu    sync.RWMutex
	calls map[ClientID]*callEntry
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[ClientID]*callEntry)}
}

// Bind stores sess for cid and returns the call it replaced, if any.
func (r *Registry) Bind(cid ClientID, room, user string, sess *call.Session) (*call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.calls[cid]
	r.calls[cid] = &callEntry{Room: room, User: user, Session: sess}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("room", room).Msg("bound call")
	if !ok {
		return nil, false
	}
	return prev.Session, true
}

func (r *Registry) Get(cid ClientID) (*call.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.calls[cid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind removes cid only while it still points at sess, so a finished call
// never evicts its replacement.
func (r *Registry) Unbind(cid ClientID, sess *call.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[cid]
	if !ok || e.Session != sess {
		return false
	}
	delete(r.calls, cid)
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("unbound call")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

type regSnap struct {
	CID     ClientID
	Room    string
	Session *call.Session
}

func (r *Registry) All() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.calls))
	for cid, e := range r.calls {
		out = append(out, regSnap{CID: cid, Room: e.Room, Session: e.Session})
	}
	return out
}

func (r *Registry) CallsInRoom(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.calls {
		if e.Room == room {
			n++
		}
	}
	return n
}
