package core

import (
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// PeerConnection wraps one transport connection per call attempt.
type PeerConnection interface {
	AddLocalTracks(stream LocalStream) error
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	// SetLocalDescription records the role implied by the description type.
	SetLocalDescription(domain.SessionDescription) error
	SetRemoteDescription(domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(domain.ICECandidate) error
	// Role is derived from the current local description.
	Role() domain.Role

	OnICECandidate(func(domain.ICECandidate))
	OnRemoteTrack(func(RemoteTrack))
	OnConnectionStateChange(func(domain.ConnectionState))

	// Close stops all senders and releases the transport. Idempotent.
	Close() error
}

// RemoteTrack is owned by the transport and read-only to the session.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.MediaKind
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerFactory builds a fresh PeerConnection.
type PeerFactory interface {
	NewPeer() (PeerConnection, error)
}
