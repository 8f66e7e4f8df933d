package app

import (
	"context"
	"errors"

	"github.com/dkeye/CareCall/internal/app/call"
	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrRateLimited = errors.New("too many join attempts")
	ErrNoCall      = errors.New("no active call")
)

// Orchestrator ties Call View clients to call sessions.
type Orchestrator struct {
	Registry   *Registry
	Signal     core.SignalChannel
	NewSession func() *call.Session
	Limiter    *JoinRateLimiter

	// Base outlives any request; calls are canceled with it on shutdown.
	Base context.Context
}

// Join starts a call for cid, hanging up any call the client already has.
// The returned session stays registered until it closes.
func (o *Orchestrator) Join(cid ClientID, userID, roomID string) (*call.Session, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if !o.Limiter.Allow(userID) {
		return nil, ErrRateLimited
	}
	sess := o.NewSession()
	if prev, ok := o.Registry.Bind(cid, roomID, userID, sess); ok {
		log.Info().Str("module", "app").Str("cid", string(cid)).Msg("replacing active call")
		prev.Hangup()
	}
	go func() {
		<-sess.Done()
		o.Registry.Unbind(cid, sess)
	}()

	base := o.Base
	if base == nil {
		base = context.Background()
	}
	if err := sess.Join(base, userID, roomID); err != nil {
		sess.Hangup()
		return sess, err
	}
	return sess, nil
}

func (o *Orchestrator) Session(cid ClientID) (*call.Session, error) {
	sess, ok := o.Registry.Get(cid)
	if !ok {
		return nil, ErrNoCall
	}
	return sess, nil
}

func (o *Orchestrator) Hangup(cid ClientID) error {
	sess, err := o.Session(cid)
	if err != nil {
		return err
	}
	sess.Hangup()
	o.Registry.Unbind(cid, sess)
	return nil
}

// Room reads the shared negotiation document.
func (o *Orchestrator) Room(ctx context.Context, roomID string) (domain.Room, bool, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return domain.Room{}, false, err
	}
	return o.Signal.GetRoom(ctx, roomID)
}

// Shutdown hangs up every registered call.
func (o *Orchestrator) Shutdown() {
	for _, snap := range o.Registry.All() {
		snap.Session.Hangup()
		o.Registry.Unbind(snap.CID, snap.Session)
	}
}
