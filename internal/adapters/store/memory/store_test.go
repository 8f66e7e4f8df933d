package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offer(sdp string) *domain.SessionDescription {
	return &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: sdp}
}

func answer(sdp string) *domain.SessionDescription {
	return &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: sdp}
}

type collector[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func TestMergeRoomFirstOfferWins(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("a"), AddParticipant: "A"})
	require.NoError(t, err)
	assert.True(t, res.OfferApplied)

	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("b"), AddParticipant: "B"})
	require.NoError(t, err)
	assert.False(t, res.OfferApplied)
	assert.Equal(t, "a", res.Room.Offer.SDP)
	assert.ElementsMatch(t, []string{"A", "B"}, res.Room.Participants)
}

func TestMergeRoomConcurrentOffers(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	applied := make(chan string, 8)
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.MergeRoom(ctx, "r2", domain.RoomPatch{Offer: offer(id), AddParticipant: id})
			if err == nil && res.OfferApplied {
				applied <- id
			}
		}()
	}
	wg.Wait()
	close(applied)

	var winners []string
	for id := range applied {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1)
	room, ok, err := s.GetRoom(ctx, "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, winners[0], room.Offer.SDP)
	assert.Len(t, room.Participants, 8)
}

func TestMergeRoomAnswerNeedsOffer(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("x")})
	require.NoError(t, err)
	assert.False(t, res.AnswerApplied)
	assert.Nil(t, res.Room.Answer)

	_, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o")})
	require.NoError(t, err)
	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("x")})
	require.NoError(t, err)
	assert.True(t, res.AnswerApplied)
	assert.True(t, res.Room.Negotiated())

	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("y")})
	require.NoError(t, err)
	assert.False(t, res.AnswerApplied)
	assert.Equal(t, "x", res.Room.Answer.SDP)
}

func TestGetRoomAbsent(t *testing.T) {
	s := New()
	_, ok, err := s.GetRoom(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearNegotiationByRole(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o"), AddParticipant: "A"})
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("a"), AddParticipant: "B"})

	require.NoError(t, s.ClearNegotiation(ctx, "r1", "B", domain.RoleAnswering))
	room, _, _ := s.GetRoom(ctx, "r1")
	assert.NotNil(t, room.Offer)
	assert.Nil(t, room.Answer)
	assert.Equal(t, []string{"A"}, room.Participants)

	require.NoError(t, s.ClearNegotiation(ctx, "r1", "A", domain.RoleOffering))
	room, ok, _ := s.GetRoom(ctx, "r1")
	assert.True(t, ok)
	assert.Nil(t, room.Offer)
	assert.Empty(t, room.Participants)
}

func TestMergeRoomRecognisesOwnEarlierWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	patch := domain.RoomPatch{Offer: offer("o"), AddParticipant: "A"}

	res, err := s.MergeRoom(ctx, "r1", patch)
	require.NoError(t, err)
	require.True(t, res.OfferApplied)
	// same write again, as after a lost reply
	res, err = s.MergeRoom(ctx, "r1", patch)
	require.NoError(t, err)
	assert.True(t, res.OfferApplied)
	assert.Nil(t, res.Room.Answer)

	// another writer, or another description from A, still loses
	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o"), AddParticipant: "B"})
	require.NoError(t, err)
	assert.False(t, res.OfferApplied)
	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o2"), AddParticipant: "A"})
	require.NoError(t, err)
	assert.False(t, res.OfferApplied)

	ans := domain.RoomPatch{Answer: answer("a"), AddParticipant: "B"}
	res, err = s.MergeRoom(ctx, "r1", ans)
	require.NoError(t, err)
	require.True(t, res.AnswerApplied)
	res, err = s.MergeRoom(ctx, "r1", ans)
	require.NoError(t, err)
	assert.True(t, res.AnswerApplied)
	assert.Equal(t, "B", res.Room.AnswerBy)
}

func TestClearNegotiationKeepsOtherWriters(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{AddParticipant: "B"})
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("c"), AddParticipant: "C"})
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("d"), AddParticipant: "D"})

	// B and A once held these roles, but C and D wrote the current ones.
	require.NoError(t, s.ClearNegotiation(ctx, "r1", "B", domain.RoleAnswering))
	require.NoError(t, s.ClearNegotiation(ctx, "r1", "A", domain.RoleOffering))

	room, _, _ := s.GetRoom(ctx, "r1")
	require.NotNil(t, room.Offer)
	require.NotNil(t, room.Answer)
	assert.Equal(t, "d", room.Answer.SDP)
	assert.Equal(t, []string{"C", "D"}, room.Participants)

	require.NoError(t, s.ClearNegotiation(ctx, "r1", "C", domain.RoleOffering))
	room, _, _ = s.GetRoom(ctx, "r1")
	assert.Nil(t, room.Offer)
	assert.Nil(t, room.Answer)
	assert.Empty(t, room.OfferBy)
	assert.Empty(t, room.AnswerBy)
}

func TestNewOfferDropsStaleAnswer(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o1")})
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("a1")})
	// offer vanished while its answer stayed behind
	s.mu.Lock()
	s.rooms["r1"].room.Offer = nil
	s.mu.Unlock()

	res, err := s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o2")})
	require.NoError(t, err)
	assert.True(t, res.OfferApplied)
	assert.Nil(t, res.Room.Answer)
}

func TestSubscribeRoomDeliversSnapshotThenChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	var got collector[domain.Room]
	unsub, err := s.SubscribeRoom(ctx, "r1", func(r domain.Room, _ bool) { got.add(r) })
	require.NoError(t, err)
	defer unsub()

	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Offer: offer("o")})
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{Answer: answer("a")})

	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	rooms := got.snapshot()
	assert.Nil(t, rooms[0].Offer)
	assert.NotNil(t, rooms[1].Offer)
	assert.True(t, rooms[2].Negotiated())
}

func TestCandidateRoundTripOnOwnLogOnly(t *testing.T) {
	ctx := context.Background()
	s := New()

	var offerLog, answerLog collector[domain.Candidate]
	unsubO, err := s.SubscribeCandidates(ctx, "r1", domain.RoleOffering, "B", offerLog.add)
	require.NoError(t, err)
	defer unsubO()
	unsubA, err := s.SubscribeCandidates(ctx, "r1", domain.RoleAnswering, "B", answerLog.add)
	require.NoError(t, err)
	defer unsubA()

	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleOffering, domain.ICECandidate{Candidate: "c1"}, "A"))

	require.Eventually(t, func() bool { return len(offerLog.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := offerLog.snapshot()[0]
	assert.Equal(t, "c1", got.ICE.Candidate)
	assert.Equal(t, "A", got.SenderID)
	assert.Equal(t, domain.OfferCandidatesLog, got.Log)
	assert.Never(t, func() bool { return len(answerLog.snapshot()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSubscribeCandidatesReplaysAndExcludesSender(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleAnswering, domain.ICECandidate{Candidate: "mine"}, "A"))
	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleAnswering, domain.ICECandidate{Candidate: "c1"}, "B"))
	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleAnswering, domain.ICECandidate{Candidate: "c2"}, "B"))

	var got collector[domain.Candidate]
	unsub, err := s.SubscribeCandidates(ctx, "r1", domain.RoleAnswering, "A", got.add)
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleAnswering, domain.ICECandidate{Candidate: "c3"}, "B"))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	var order []string
	for _, c := range got.snapshot() {
		order = append(order, c.ICE.Candidate)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, order)
}

func TestAppendCandidateRejectsUndecidedRole(t *testing.T) {
	s := New()
	err := s.AppendCandidate(context.Background(), "r1", domain.RoleUndecided, domain.ICECandidate{}, "A")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestDeleteOwnCandidates(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.AppendCandidate(ctx, "r1", domain.RoleOffering, domain.ICECandidate{Candidate: "a1"}, "A")
	_ = s.AppendCandidate(ctx, "r1", domain.RoleAnswering, domain.ICECandidate{Candidate: "b1"}, "B")

	require.NoError(t, s.DeleteOwnCandidates(ctx, "r1", "A"))
	assert.Empty(t, s.Candidates("r1", domain.RoleOffering))
	assert.Len(t, s.Candidates("r1", domain.RoleAnswering), 1)
	require.NoError(t, s.DeleteOwnCandidates(ctx, "missing", "A"))
}

func TestRedeliveryDuplicatesNotifications(t *testing.T) {
	ctx := context.Background()
	s := New(WithRedelivery())
	var got collector[domain.Candidate]
	unsub, err := s.SubscribeCandidates(ctx, "r1", domain.RoleOffering, "", got.add)
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleOffering, domain.ICECandidate{Candidate: "c"}, "A"))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	recs := got.snapshot()
	assert.Equal(t, recs[0].ID, recs[1].ID)
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	var got collector[domain.Room]
	unsub, err := s.SubscribeRoom(ctx, "r1", func(r domain.Room, _ bool) { got.add(r) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	_, _ = s.MergeRoom(ctx, "r1", domain.RoomPatch{AddParticipant: "A"})
	assert.Never(t, func() bool { return len(got.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCanceledContextEndsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()
	var got collector[domain.Room]
	_, err := s.SubscribeRoom(ctx, "r1", func(r domain.Room, _ bool) { got.add(r) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.rooms["r1"].roomSubs) == 0
	}, time.Second, 5*time.Millisecond)

	_, _, err = s.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, context.Canceled)
}
