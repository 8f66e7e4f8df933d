package media

import (
	"sync"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/rs/zerolog"
)

type localStream struct {
	id      string
	tracks  []*OutTrack
	sources []Source
	logger  zerolog.Logger

	mu       sync.Mutex
	released bool
}

var _ core.LocalStream = (*localStream)(nil)

func (s *localStream) ID() string { return s.id }

func (s *localStream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *localStream) ToggleAudio() bool {
	return !s.toggle(domain.KindAudio)
}

func (s *localStream) ToggleVideo() bool {
	return !s.toggle(domain.KindVideo)
}

func (s *localStream) AudioEnabled() bool { return s.enabled(domain.KindAudio) }
func (s *localStream) VideoEnabled() bool { return s.enabled(domain.KindVideo) }

// toggle flips every track of kind and returns the new enabled flag.
func (s *localStream) toggle(kind domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	on := !s.enabledLocked(kind)
	for _, t := range s.tracks {
		if t.Kind() == kind {
			t.SetEnabled(on)
		}
	}
	s.logger.Info().Str("kind", string(kind)).Bool("enabled", on).Msg("track toggled")
	return on
}

func (s *localStream) enabled(kind domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledLocked(kind)
}

func (s *localStream) enabledLocked(kind domain.MediaKind) bool {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t.Enabled()
		}
	}
	return false
}

func (s *localStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	for _, t := range s.tracks {
		t.MarkDelete()
	}
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			s.logger.Warn().Err(err).Str("kind", string(src.Kind())).Msg("source close")
		}
	}
	s.logger.Info().Msg("local stream released")
}
