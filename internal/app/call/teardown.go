package call

import (
	"context"
	"fmt"

	"github.com/dkeye/CareCall/internal/domain"
	"go.uber.org/multierr"
)

// teardown releases everything the session holds. Every step runs even when
// an earlier one failed.
func (s *Session) teardown() {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CleanupTimeout)
	defer cancel()

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	// Only what this client actually wrote is cleared.
	role := s.role

	var errs error
	if s.wroteRoom {
		if err := s.deps.Signal.DeleteOwnCandidates(ctx, s.roomID, s.userID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete candidates: %w", err))
		}
		if err := s.deps.Signal.ClearNegotiation(ctx, s.roomID, s.userID, role); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("clear negotiation: %w", err))
		}
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close peer: %w", err))
		}
		s.peer = nil
	}

	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Release()
	}

	if errs != nil {
		s.logger.Error().
			Err(domain.NewCallError("hangup", fmt.Errorf("%w: %v", domain.ErrCleanupPartial, errs))).
			Msg("cleanup incomplete")
	}

	s.mu.Lock()
	s.status.State = domain.StateClosed
	if s.status.Connection != domain.ConnectionDisconnected && s.status.Connection != domain.ConnectionFailed {
		s.status.Connection = domain.ConnectionClosed
	}
	for i := range s.status.LocalTracks {
		s.status.LocalTracks[i].Enabled = false
	}
	s.mu.Unlock()
	s.publish()
	s.closeWatchers()
	s.logger.Info().Msg("call closed")
}
