package core

import (
	"context"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaDevices acquires the local camera and microphone.
type MediaDevices interface {
	// Acquire fails with domain.ErrMediaAccessDenied or domain.ErrNoDeviceFound.
	Acquire(ctx context.Context) (LocalStream, error)
}

// LocalStream is owned by the media controller; the session only toggles
// and releases it.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	// ToggleAudio returns true when audio is now muted.
	ToggleAudio() bool
	// ToggleVideo returns true when video is now disabled.
	ToggleVideo() bool
	AudioEnabled() bool
	VideoEnabled() bool
	// Release stops all tracks. Double release is a no-op.
	Release()
}

type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	// Local is what gets attached to the peer connection.
	Local() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(bool)
}
