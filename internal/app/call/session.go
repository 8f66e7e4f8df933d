// Package call is the Call Session Controller. One Session drives one
// participant through a single call attempt in one room.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxRaceRounds = 3

type Deps struct {
	Signal core.SignalChannel
	Media  core.MediaDevices
	Peers  core.PeerFactory
}

type Options struct {
	RetryDelay     time.Duration
	CleanupTimeout time.Duration
	WatchBuffer    int
	Policy         Policy
}

func DefaultOptions() Options {
	return Options{
		RetryDelay:     time.Second,
		CleanupTimeout: 5 * time.Second,
		WatchBuffer:    8,
		Policy:         SimplePolicy{},
	}
}

type Session struct {
	deps   Deps
	opts   Options
	box    *mailbox
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	userID string
	roomID string

	// Owned by the dispatch loop.
	peer      core.PeerConnection
	gen       uint64
	role      domain.Role
	wroteRoom bool
	unsubs    []core.Unsubscribe
	seen      map[string]struct{}
	pending   []domain.Candidate

	mu          sync.Mutex
	started     bool
	stream      core.LocalStream
	status      Status
	remotes     []*remoteStats
	watchers    map[*watcher]struct{}
	watchClosed bool
	err         error
}

func NewSession(deps Deps, opts Options) *Session {
	def := DefaultOptions()
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = def.CleanupTimeout
	}
	if opts.WatchBuffer <= 0 {
		opts.WatchBuffer = def.WatchBuffer
	}
	if opts.Policy == nil {
		opts.Policy = def.Policy
	}
	return &Session{
		deps:     deps,
		opts:     opts,
		box:      newMailbox(),
		logger:   log.With().Str("module", "call").Logger(),
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
		watchers: make(map[*watcher]struct{}),
		status:   Status{State: domain.StateIdle, Connection: domain.ConnectionNew},
	}
}

// Join acquires media and negotiates the caller's role in roomID. It
// returns once the role's description is written to the room or the
// attempt failed. Canceling ctx hangs the call up.
func (s *Session) Join(ctx context.Context, userID, roomID string) error {
	if err := domain.ValidateUserID(userID); err != nil {
		return err
	}
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		closed := s.status.State == domain.StateClosed
		s.mu.Unlock()
		if closed {
			return domain.ErrSessionClosed
		}
		return domain.ErrAlreadyJoined
	}
	s.started = true
	s.userID, s.roomID = userID, roomID
	s.status.Room, s.status.User = roomID, userID
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger = s.logger.With().Str("room", roomID).Str("user", userID).Logger()
	s.mu.Unlock()

	result := make(chan error, 1)
	go s.run(result)
	return <-result
}

func (s *Session) run(result chan<- error) {
	defer close(s.done)

	err := s.start()
	result <- err
	if err == nil {
		s.loop()
	}
	s.teardown()
}

func (s *Session) start() error {
	s.setState(domain.StateAcquiringMedia)
	stream, err := s.deps.Media.Acquire(s.ctx)
	if err != nil {
		return s.startFailed("media acquire failed", err)
	}
	s.mu.Lock()
	s.stream = stream
	s.status.LocalTracks = localTracks(stream)
	s.status.Muted = !stream.AudioEnabled()
	s.status.VideoOff = !stream.VideoEnabled()
	s.mu.Unlock()

	s.setState(domain.StateNegotiating)
	if err := s.negotiate(s.ctx); err != nil {
		return s.startFailed("negotiation failed", err)
	}
	return nil
}

// startFailed separates a hangup during Join from a real failure.
func (s *Session) startFailed(msg string, err error) error {
	if s.ctx.Err() != nil {
		s.logger.Info().Err(err).Msg("join interrupted by hangup")
		return domain.NewCallError("join", domain.ErrSessionClosed)
	}
	s.logger.Error().Err(err).Msg(msg)
	s.setErr(err)
	return err
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.box.wake:
		}
		for _, ev := range s.box.drain() {
			if ev.generation() != s.gen {
				s.logger.Debug().Uint64("gen", ev.generation()).Msg("dropping event from discarded peer")
				continue
			}
			s.handle(ev)
			if s.ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case localCandidateEvent:
		s.onLocalCandidate(e.cand)
	case remoteCandidateEvent:
		s.onRemoteCandidate(e.rec)
	case roomEvent:
		s.onRoom(e.room, e.exists)
	case connStateEvent:
		s.onConnectionState(e.state)
	case remoteTrackEvent:
		s.onRemoteTrack(e.track)
	}
}

func (s *Session) onConnectionState(state domain.ConnectionState) {
	s.mu.Lock()
	s.status.Connection = state
	s.mu.Unlock()

	switch state {
	case domain.ConnectionConnected:
		s.logger.Info().Msg("call connected")
		s.setState(domain.StateConnected)
	case domain.ConnectionDisconnected:
		s.fail(domain.NewCallError("transport", domain.ErrTransportDisconnected))
	case domain.ConnectionFailed:
		s.fail(domain.NewCallError("transport", domain.ErrTransportFailed))
	default:
		s.publish()
	}
}

// fail records a terminal error and stops the loop.
func (s *Session) fail(err error) {
	s.logger.Error().Err(err).Msg("call failed")
	s.setErr(err)
	s.cancel()
}

// Hangup ends the call and waits for teardown. Safe to call repeatedly and
// before Join.
func (s *Session) Hangup() {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.status.State = domain.StateClosed
		s.mu.Unlock()
		close(s.done)
		s.closeWatchers()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.done
}

// Done is closed once the session reached Closed and released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the error that ended the call, nil after a plain hangup.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return false, domain.ErrNoLocalStream
	}
	muted := stream.ToggleAudio()
	s.mu.Lock()
	s.status.Muted = muted
	s.status.LocalTracks = localTracks(stream)
	s.mu.Unlock()
	s.publish()
	return muted, nil
}

// ToggleVideo flips the camera and reports whether it is now disabled.
func (s *Session) ToggleVideo() (bool, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return false, domain.ErrNoLocalStream
	}
	off := stream.ToggleVideo()
	s.mu.Lock()
	s.status.VideoOff = off
	s.status.LocalTracks = localTracks(stream)
	s.mu.Unlock()
	s.publish()
	return off, nil
}

func (s *Session) setState(st domain.State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
	s.publish()
}

// setErr keeps the first terminal error.
func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.status.LastError = err.Error()
	s.mu.Unlock()
	s.publish()
}
