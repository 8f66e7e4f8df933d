package media

import (
	"sync/atomic"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is one local track attached to the peer connection. Muting keeps
// it attached and only stops packets from reaching it.
type OutTrack struct {
	kind  domain.MediaKind
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(kind domain.MediaKind, track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{kind: kind, track: track}
}

func (ot *OutTrack) ID() string               { return ot.track.ID() }
func (ot *OutTrack) Kind() domain.MediaKind   { return ot.kind }
func (ot *OutTrack) Local() webrtc.TrackLocal { return ot.track }

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) Enabled() bool { return ot.GetState() == TrackStateOk }

// SetEnabled never resurrects a deleted track.
func (ot *OutTrack) SetEnabled(on bool) {
	from, to := TrackStateMuted, TrackStateOk
	if !on {
		from, to = TrackStateOk, TrackStateMuted
	}
	ot.state.CompareAndSwap(int32(from), int32(to))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
