package call

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
)

// Status is a point-in-time view of a session for the Call View.
type Status struct {
	Room         string                 `json:"room"`
	User         string                 `json:"user"`
	State        domain.State           `json:"state"`
	Role         string                 `json:"role"`
	Connection   domain.ConnectionState `json:"connection"`
	Muted        bool                   `json:"muted"`
	VideoOff     bool                   `json:"videoOff"`
	LastError    string                 `json:"lastError,omitempty"`
	Participants []string               `json:"participants"`
	LocalTracks  []TrackInfo            `json:"localTracks"`
	RemoteTracks []RemoteTrackInfo      `json:"remoteTracks"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

type TrackInfo struct {
	ID      string           `json:"id"`
	Kind    domain.MediaKind `json:"kind"`
	Enabled bool             `json:"enabled"`
}

type RemoteTrackInfo struct {
	ID       string           `json:"id"`
	StreamID string           `json:"streamId"`
	Kind     domain.MediaKind `json:"kind"`
	Packets  uint64           `json:"packets"`
	Bytes    uint64           `json:"bytes"`
}

type remoteStats struct {
	id, streamID string
	kind         domain.MediaKind
	packets      atomic.Uint64
	bytes        atomic.Uint64
}

// Status returns a snapshot with live remote packet counters.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Status {
	st := s.status
	if st.Role == "" {
		st.Role = domain.RoleUndecided.String()
	}
	st.Participants = append([]string{}, s.status.Participants...)
	st.LocalTracks = append([]TrackInfo{}, s.status.LocalTracks...)
	st.RemoteTracks = make([]RemoteTrackInfo, 0, len(s.remotes))
	for _, r := range s.remotes {
		st.RemoteTracks = append(st.RemoteTracks, RemoteTrackInfo{
			ID:       r.id,
			StreamID: r.streamID,
			Kind:     r.kind,
			Packets:  r.packets.Load(),
			Bytes:    r.bytes.Load(),
		})
	}
	st.UpdatedAt = time.Now()
	return st
}

// report surfaces a non-fatal error without ending the call.
func (s *Session) report(err error) {
	s.logger.Warn().Err(err).Msg("call degraded")
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
	s.publish()
}

func localTracks(stream core.LocalStream) []TrackInfo {
	out := make([]TrackInfo, 0, 2)
	for _, t := range stream.Tracks() {
		out = append(out, TrackInfo{ID: t.ID(), Kind: t.Kind(), Enabled: t.Enabled()})
	}
	return out
}

// onRemoteTrack counts packets until the transport closes the track.
func (s *Session) onRemoteTrack(t core.RemoteTrack) {
	rs := &remoteStats{id: t.ID(), streamID: t.StreamID(), kind: t.Kind()}
	s.mu.Lock()
	s.remotes = append(s.remotes, rs)
	s.mu.Unlock()
	s.logger.Info().Str("track", rs.id).Str("kind", string(rs.kind)).Msg("remote track")
	s.publish()

	go func() {
		for {
			pkt, _, err := t.ReadRTP()
			if err != nil {
				return
			}
			rs.packets.Add(1)
			rs.bytes.Add(uint64(len(pkt.Payload)))
		}
	}()
}

type watcher struct {
	ch chan Status
}

// Watch streams status snapshots. The channel is closed when the session
// ends or the watcher is kicked by the backpressure policy.
func (s *Session) Watch() (<-chan Status, func()) {
	w := &watcher{ch: make(chan Status, s.opts.WatchBuffer)}
	s.mu.Lock()
	w.ch <- s.snapshotLocked()
	if s.watchClosed {
		s.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	return w.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.watchers) == 0 {
		return
	}
	st := s.snapshotLocked()
	for w := range s.watchers {
		select {
		case w.ch <- st:
			continue
		default:
		}
		switch s.opts.Policy.OnBackPressure(len(w.ch)) {
		case DropOldest:
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- st:
			default:
			}
		case KickWatcher:
			s.logger.Warn().Msg("slow status watcher kicked")
			delete(s.watchers, w)
			close(w.ch)
		case NoAction:
		}
	}
}

func (s *Session) closeWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchClosed = true
	for w := range s.watchers {
		delete(s.watchers, w)
		close(w.ch)
	}
}
