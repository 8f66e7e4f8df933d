// Package media is the Media Device Controller: it opens local capture
// sources and exposes them as toggleable tracks for the peer connection.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Controller struct {
	capturer    Capturer
	constraints Constraints
}

var _ core.MediaDevices = (*Controller)(nil)

func NewController(capturer Capturer, c Constraints) *Controller {
	return &Controller{capturer: capturer, constraints: c}
}

// Acquire opens camera and microphone. Denial and missing devices are
// terminal for the attempt and are never retried here.
func (c *Controller) Acquire(ctx context.Context) (core.LocalStream, error) {
	sources, err := c.capturer.Capture(ctx, c.constraints)
	if err != nil {
		return nil, domain.NewCallError("acquire media", classify(err))
	}
	if len(sources) == 0 {
		return nil, domain.NewCallError("acquire media", domain.ErrNoDeviceFound)
	}

	streamID := "carecall-" + uuid.NewString()
	logger := log.With().Str("module", "media").Str("stream", streamID).Logger()
	s := &localStream{id: streamID, sources: sources, logger: logger}

	for _, src := range sources {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: src.MimeType()},
			fmt.Sprintf("%s-%s", src.Kind(), uuid.NewString()[:8]),
			streamID,
		)
		if err != nil {
			for _, other := range sources {
				_ = other.Close()
			}
			return nil, fmt.Errorf("local track: %w", err)
		}
		ot := NewOutTrack(src.Kind(), track)
		s.tracks = append(s.tracks, ot)

		trackLogger := logger.With().Str("track", ot.ID()).Str("kind", string(ot.Kind())).Logger()
		go pump(src, ot, &trackLogger)
	}

	logger.Info().Int("tracks", len(s.tracks)).Msg("local media acquired")
	return s, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrMediaAccessDenied), errors.Is(err, domain.ErrNoDeviceFound):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNoDeviceFound, err)
}
