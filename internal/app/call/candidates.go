package call

import (
	"context"

	"github.com/dkeye/CareCall/internal/domain"
)

// onLocalCandidate appends to the log of the role recorded by the current
// local description.
func (s *Session) onLocalCandidate(c domain.ICECandidate) {
	if s.peer == nil {
		return
	}
	role := s.peer.Role()
	if role == domain.RoleUndecided {
		s.logger.Debug().Msg("local candidate before local description, dropped")
		return
	}
	err := s.retryOnce(s.ctx, "append candidate", domain.ErrSignalingWrite, func(ctx context.Context) error {
		return s.deps.Signal.AppendCandidate(ctx, s.roomID, role, c, s.userID)
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.report(err)
		}
		return
	}
	s.wroteRoom = true
}

// onRemoteCandidate applies each record once, and never before the remote
// description is set.
func (s *Session) onRemoteCandidate(rec domain.Candidate) {
	if s.peer == nil {
		return
	}
	if _, dup := s.seen[rec.ID]; dup {
		return
	}
	s.seen[rec.ID] = struct{}{}
	if !s.peer.HasRemoteDescription() {
		s.pending = append(s.pending, rec)
		return
	}
	s.applyCandidate(rec)
}

func (s *Session) flushPending() {
	pending := s.pending
	s.pending = nil
	for _, rec := range pending {
		s.applyCandidate(rec)
	}
}

func (s *Session) applyCandidate(rec domain.Candidate) {
	if err := s.peer.AddICECandidate(rec.ICE); err != nil {
		s.logger.Warn().Err(err).Str("candidate", rec.ID).Msg("add ICE candidate")
	}
}

func (s *Session) onRoom(room domain.Room, exists bool) {
	s.setParticipants(room)
	s.publish()
	if s.peer == nil {
		return
	}
	if s.role == domain.RoleOffering && exists && room.Answer != nil && !s.peer.HasRemoteDescription() {
		if err := s.peer.SetRemoteDescription(*room.Answer); err != nil {
			s.fail(domain.NewCallError("set remote answer", err))
			return
		}
		s.logger.Info().Int("buffered", len(s.pending)).Msg("answer applied")
		s.flushPending()
		return
	}
	switch {
	case !exists || room.Offer == nil:
		s.logger.Info().Msg("offer cleared from room")
	case s.role == domain.RoleOffering && room.Answer == nil && s.peer.HasRemoteDescription():
		s.logger.Info().Msg("answer cleared from room")
	}
}
