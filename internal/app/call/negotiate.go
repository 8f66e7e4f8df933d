package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
)

// negotiate picks the role from the room document and writes this side's
// description. A lost write race discards the peer and re-reads the room.
func (s *Session) negotiate(ctx context.Context) error {
	for round := 1; round <= maxRaceRounds; round++ {
		var (
			room   domain.Room
			exists bool
		)
		err := s.retryOnce(ctx, "get room", domain.ErrSignalingRead, func(ctx context.Context) (err error) {
			room, exists, err = s.deps.Signal.GetRoom(ctx, s.roomID)
			return err
		})
		if err != nil {
			return err
		}

		if err := s.newPeer(); err != nil {
			return domain.NewCallError("new peer", err)
		}

		switch {
		case !exists || room.Offer == nil:
			err = s.offer(ctx)
		case room.Negotiated():
			return s.rejoin(ctx)
		default:
			err = s.answer(ctx, room)
		}
		if !errors.Is(err, domain.ErrNegotiationRace) {
			return err
		}
		s.logger.Warn().Err(err).Int("round", round).Msg("lost negotiation race, re-resolving role")
		s.discardPeer()
	}
	return domain.NewCallError("negotiate", fmt.Errorf("%w: no stable role after %d rounds", domain.ErrNegotiationRace, maxRaceRounds))
}

func (s *Session) offer(ctx context.Context) error {
	desc, err := s.peer.CreateOffer()
	if err != nil {
		return domain.NewCallError("create offer", err)
	}
	if err := s.peer.SetLocalDescription(desc); err != nil {
		return domain.NewCallError("set local offer", err)
	}

	var res domain.MergeResult
	err = s.retryOnce(ctx, "write offer", domain.ErrSignalingWrite, func(ctx context.Context) (err error) {
		res, err = s.deps.Signal.MergeRoom(ctx, s.roomID, domain.RoomPatch{Offer: &desc, AddParticipant: s.userID})
		return err
	})
	if err != nil {
		return err
	}
	s.wroteRoom = true
	if !res.OfferApplied {
		return domain.ErrNegotiationRace
	}
	s.setRole(domain.RoleOffering)
	s.setParticipants(res.Room)
	return s.subscribe(ctx, s.role.Opposite())
}

func (s *Session) answer(ctx context.Context, room domain.Room) error {
	if err := s.peer.SetRemoteDescription(*room.Offer); err != nil {
		return domain.NewCallError("set remote offer", err)
	}
	desc, err := s.peer.CreateAnswer()
	if err != nil {
		return domain.NewCallError("create answer", err)
	}
	if err := s.peer.SetLocalDescription(desc); err != nil {
		return domain.NewCallError("set local answer", err)
	}

	var res domain.MergeResult
	err = s.retryOnce(ctx, "write answer", domain.ErrSignalingWrite, func(ctx context.Context) (err error) {
		res, err = s.deps.Signal.MergeRoom(ctx, s.roomID, domain.RoomPatch{Answer: &desc, AddParticipant: s.userID})
		return err
	})
	if err != nil {
		return err
	}
	s.wroteRoom = true
	if !res.AnswerApplied {
		if res.Room.Offer == nil {
			// Offer vanished between read and write; start over.
			return domain.ErrNegotiationRace
		}
		s.logger.Warn().Err(domain.ErrNegotiationRace).Msg("another client answered first")
		s.discardPeer()
		return s.rejoinSubscribed(ctx, res.Room)
	}
	s.setRole(domain.RoleAnswering)
	s.setParticipants(res.Room)
	return s.subscribe(ctx, s.role.Opposite())
}

// rejoin handles a room that is already negotiated. Only the participant
// list changes; no media is renegotiated for this client.
func (s *Session) rejoin(ctx context.Context) error {
	var res domain.MergeResult
	err := s.retryOnce(ctx, "add participant", domain.ErrSignalingWrite, func(ctx context.Context) (err error) {
		res, err = s.deps.Signal.MergeRoom(ctx, s.roomID, domain.RoomPatch{AddParticipant: s.userID})
		return err
	})
	if err != nil {
		return err
	}
	s.wroteRoom = true
	s.discardPeer()
	return s.rejoinSubscribed(ctx, res.Room)
}

func (s *Session) rejoinSubscribed(ctx context.Context, room domain.Room) error {
	s.logger.Warn().Msg("room already negotiated, joined without renegotiation")
	s.setParticipants(room)
	unsub, err := s.deps.Signal.SubscribeRoom(ctx, s.roomID, s.roomHandler())
	if err != nil {
		return domain.NewCallError("subscribe room", fmt.Errorf("%w: %v", domain.ErrSignalingRead, err))
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

// subscribe follows the room document and the remote role's candidate log.
func (s *Session) subscribe(ctx context.Context, remote domain.Role) error {
	var unsub core.Unsubscribe
	err := s.retryOnce(ctx, "subscribe room", domain.ErrSignalingRead, func(ctx context.Context) (err error) {
		unsub, err = s.deps.Signal.SubscribeRoom(ctx, s.roomID, s.roomHandler())
		return err
	})
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)

	gen := s.gen
	err = s.retryOnce(ctx, "subscribe candidates", domain.ErrSignalingRead, func(ctx context.Context) (err error) {
		unsub, err = s.deps.Signal.SubscribeCandidates(ctx, s.roomID, remote, s.userID, func(c domain.Candidate) {
			s.box.push(remoteCandidateEvent{envelope{gen}, c})
		})
		return err
	})
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

func (s *Session) roomHandler() func(domain.Room, bool) {
	gen := s.gen
	return func(room domain.Room, exists bool) {
		s.box.push(roomEvent{envelope{gen}, room, exists})
	}
}

// newPeer replaces the current peer with a fresh one carrying the local
// tracks. Events from earlier peers are dropped by generation.
func (s *Session) newPeer() error {
	pc, err := s.deps.Peers.NewPeer()
	if err != nil {
		return err
	}
	s.gen++
	gen := s.gen
	pc.OnICECandidate(func(c domain.ICECandidate) {
		s.box.push(localCandidateEvent{envelope{gen}, c})
	})
	pc.OnConnectionStateChange(func(st domain.ConnectionState) {
		s.box.push(connStateEvent{envelope{gen}, st})
	})
	pc.OnRemoteTrack(func(t core.RemoteTrack) {
		s.box.push(remoteTrackEvent{envelope{gen}, t})
	})

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if err := pc.AddLocalTracks(stream); err != nil {
		_ = pc.Close()
		return err
	}
	s.peer = pc
	s.seen = make(map[string]struct{})
	s.pending = nil
	return nil
}

func (s *Session) discardPeer() {
	if s.peer == nil {
		return
	}
	if err := s.peer.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("discarded peer close")
	}
	s.peer = nil
	s.gen++
}

func (s *Session) setRole(r domain.Role) {
	s.role = r
	s.mu.Lock()
	s.status.Role = r.String()
	s.mu.Unlock()
	s.logger.Info().Str("role", r.String()).Msg("role resolved")
	s.publish()
}

func (s *Session) setParticipants(room domain.Room) {
	s.mu.Lock()
	s.status.Participants = append([]string(nil), room.Participants...)
	s.mu.Unlock()
}
