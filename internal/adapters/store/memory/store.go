// Package memory is an in-process observable document store implementing
// core.SignalChannel. Both peers of a call must share the same *Store.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrUnknownRole = errors.New("candidate log requires offering or answering role")

type roomSnapshot struct {
	room   domain.Room
	exists bool
}

type candidateSub struct {
	log     string
	exclude string
	sub     *subscriber[domain.Candidate]
}

type roomEntry struct {
	room     domain.Room
	exists   bool
	logs     map[string][]domain.Candidate
	roomSubs map[uint64]*subscriber[roomSnapshot]
	candSubs map[uint64]*candidateSub
}

type Option func(*Store)

// WithRedelivery delivers every notification twice, exercising consumers
// against at-least-once semantics.
func WithRedelivery() Option {
	return func(s *Store) { s.redeliver = true }
}

type Store struct {
	mu        sync.Mutex
	rooms     map[string]*roomEntry
	nextSub   uint64
	redeliver bool
}

var _ core.SignalChannel = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{rooms: make(map[string]*roomEntry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// entry must be called with s.mu held.
func (s *Store) entry(roomID string) *roomEntry {
	e, ok := s.rooms[roomID]
	if !ok {
		e = &roomEntry{
			room:     domain.Room{ID: roomID, Participants: []string{}},
			logs:     make(map[string][]domain.Candidate),
			roomSubs: make(map[uint64]*subscriber[roomSnapshot]),
			candSubs: make(map[uint64]*candidateSub),
		}
		s.rooms[roomID] = e
	}
	return e
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok || !e.exists {
		return domain.Room{}, false, nil
	}
	return e.room.Clone(), true, nil
}

func (s *Store) MergeRoom(ctx context.Context, roomID string, patch domain.RoomPatch) (domain.MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.MergeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(roomID)
	e.exists = true
	res := domain.MergeResult{}
	if patch.Offer != nil {
		if e.room.Offer == nil {
			offer := *patch.Offer
			e.room.Offer = &offer
			e.room.OfferBy = patch.AddParticipant
			// a previous answer never belongs to a new offer
			e.room.Answer = nil
			e.room.AnswerBy = ""
			res.OfferApplied = true
		} else {
			res.OfferApplied = e.room.HoldsOffer(patch.AddParticipant, *patch.Offer)
		}
	}
	if patch.Answer != nil {
		if e.room.Offer != nil && e.room.Answer == nil {
			answer := *patch.Answer
			e.room.Answer = &answer
			e.room.AnswerBy = patch.AddParticipant
			res.AnswerApplied = true
		} else {
			res.AnswerApplied = e.room.HoldsAnswer(patch.AddParticipant, *patch.Answer)
		}
	}
	if patch.AddParticipant != "" && !e.room.HasParticipant(patch.AddParticipant) {
		e.room.Participants = append(e.room.Participants, patch.AddParticipant)
	}
	res.Room = e.room.Clone()
	s.notifyRoom(e)

	log.Debug().
		Str("module", "store.memory").
		Str("room", roomID).
		Bool("offer_applied", res.OfferApplied).
		Bool("answer_applied", res.AnswerApplied).
		Msg("room merged")
	return res, nil
}

func (s *Store) SubscribeRoom(ctx context.Context, roomID string, onChange func(domain.Room, bool)) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscriber(func(snap roomSnapshot) { onChange(snap.room, snap.exists) })

	s.mu.Lock()
	e := s.entry(roomID)
	s.nextSub++
	id := s.nextSub
	e.roomSubs[id] = sub
	sub.push(roomSnapshot{room: e.room.Clone(), exists: e.exists})
	s.mu.Unlock()

	return s.unsubscriber(ctx, func() {
		s.mu.Lock()
		delete(e.roomSubs, id)
		s.mu.Unlock()
		sub.stop()
	}), nil
}

func (s *Store) AppendCandidate(ctx context.Context, roomID string, role domain.Role, cand domain.ICECandidate, senderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logName := role.LogName()
	if logName == "" {
		return ErrUnknownRole
	}
	rec := domain.Candidate{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Log:       logName,
		SenderID:  senderID,
		ICE:       cand,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(roomID)
	e.logs[logName] = append(e.logs[logName], rec)
	for _, cs := range e.candSubs {
		if cs.log == logName && cs.exclude != senderID {
			deliverTo(cs.sub, rec, s.redeliver)
		}
	}
	return nil
}

func (s *Store) SubscribeCandidates(ctx context.Context, roomID string, role domain.Role, excludeSenderID string, onAdded func(domain.Candidate)) (core.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logName := role.LogName()
	if logName == "" {
		return nil, ErrUnknownRole
	}
	cs := &candidateSub{log: logName, exclude: excludeSenderID, sub: newSubscriber(onAdded)}

	s.mu.Lock()
	e := s.entry(roomID)
	s.nextSub++
	id := s.nextSub
	e.candSubs[id] = cs
	for _, rec := range e.logs[logName] {
		if rec.SenderID != excludeSenderID {
			deliverTo(cs.sub, rec, s.redeliver)
		}
	}
	s.mu.Unlock()

	return s.unsubscriber(ctx, func() {
		s.mu.Lock()
		delete(e.candSubs, id)
		s.mu.Unlock()
		cs.sub.stop()
	}), nil
}

func (s *Store) DeleteOwnCandidates(ctx context.Context, roomID, senderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	removed := 0
	for name, recs := range e.logs {
		kept := slices.DeleteFunc(recs, func(c domain.Candidate) bool { return c.SenderID == senderID })
		removed += len(recs) - len(kept)
		e.logs[name] = kept
	}
	log.Debug().Str("module", "store.memory").Str("room", roomID).Str("sender", senderID).Int("removed", removed).Msg("candidates deleted")
	return nil
}

func (s *Store) ClearNegotiation(ctx context.Context, roomID, senderID string, held domain.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok || !e.exists {
		return nil
	}
	// Descriptions written by someone else stay.
	switch held {
	case domain.RoleOffering:
		if e.room.Offer != nil && e.room.OfferBy == senderID {
			e.room.Offer, e.room.OfferBy = nil, ""
			e.room.Answer, e.room.AnswerBy = nil, ""
		}
	case domain.RoleAnswering:
		if e.room.Answer != nil && e.room.AnswerBy == senderID {
			e.room.Answer, e.room.AnswerBy = nil, ""
		}
	}
	e.room.Participants = slices.DeleteFunc(e.room.Participants, func(p string) bool { return p == senderID })
	s.notifyRoom(e)
	log.Debug().Str("module", "store.memory").Str("room", roomID).Str("sender", senderID).Str("held", held.String()).Msg("negotiation cleared")
	return nil
}

// Candidates returns a copy of one log. Intended for diagnostics and tests.
func (s *Store) Candidates(roomID string, role domain.Role) []domain.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(e.logs[role.LogName()])
}

// notifyRoom must be called with s.mu held.
func (s *Store) notifyRoom(e *roomEntry) {
	for _, sub := range e.roomSubs {
		deliverTo(sub, roomSnapshot{room: e.room.Clone(), exists: e.exists}, s.redeliver)
	}
}

func deliverTo[T any](sub *subscriber[T], v T, twice bool) {
	sub.push(v)
	if twice {
		sub.push(v)
	}
}

// unsubscriber makes cancel idempotent and ties it to ctx.
func (s *Store) unsubscriber(ctx context.Context, cancel func()) core.Unsubscribe {
	var once sync.Once
	unsub := func() { once.Do(cancel) }
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}
}
