package mongo

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a replica-set MongoDB, e.g.
// CARECALL_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func testStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("CARECALL_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CARECALL_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Connect(ctx, Config{URI: uri, Database: "carecall_test_" + uuid.NewString()[:8]})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.rooms.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func TestMergeRoomFirstOfferWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.MergeRoom(ctx, "r1", domain.RoomPatch{
		Offer:          &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "a"},
		AddParticipant: "A",
	})
	require.NoError(t, err)
	assert.True(t, res.OfferApplied)

	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{
		Offer:          &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "b"},
		AddParticipant: "B",
	})
	require.NoError(t, err)
	assert.False(t, res.OfferApplied)
	assert.Equal(t, "a", res.Room.Offer.SDP)
	assert.ElementsMatch(t, []string{"A", "B"}, res.Room.Participants)

	res, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{
		Answer:         &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "x"},
		AddParticipant: "B",
	})
	require.NoError(t, err)
	assert.True(t, res.AnswerApplied)

	require.NoError(t, s.ClearNegotiation(ctx, "r1", "B", domain.RoleAnswering))
	room, ok, err := s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, room.Offer)
	assert.Nil(t, room.Answer)
	assert.Equal(t, []string{"A"}, room.Participants)
}

func TestMergeRoomRepeatedWriteReportsApplied(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	patch := domain.RoomPatch{
		Offer:          &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "a"},
		AddParticipant: "A",
	}

	_, err := s.MergeRoom(ctx, "r1", patch)
	require.NoError(t, err)
	res, err := s.MergeRoom(ctx, "r1", patch)
	require.NoError(t, err)
	assert.True(t, res.OfferApplied)
	assert.Equal(t, "A", res.Room.OfferBy)
}

func TestClearNegotiationKeepsForeignAnswer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.MergeRoom(ctx, "r1", domain.RoomPatch{
		Offer:          &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "o"},
		AddParticipant: "C",
	})
	require.NoError(t, err)
	_, err = s.MergeRoom(ctx, "r1", domain.RoomPatch{
		Answer:         &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "d"},
		AddParticipant: "D",
	})
	require.NoError(t, err)

	require.NoError(t, s.ClearNegotiation(ctx, "r1", "B", domain.RoleAnswering))
	require.NoError(t, s.ClearNegotiation(ctx, "r1", "A", domain.RoleOffering))
	room, _, err := s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, room.Offer)
	require.NotNil(t, room.Answer)
	assert.Equal(t, "d", room.Answer.SDP)
	assert.Equal(t, []string{"C", "D"}, room.Participants)
}

func TestCandidateStreams(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleOffering, domain.ICECandidate{Candidate: "early"}, "A"))

	var mu sync.Mutex
	var got []string
	unsub, err := s.SubscribeCandidates(ctx, "r1", domain.RoleOffering, "B", func(c domain.Candidate) {
		mu.Lock()
		got = append(got, c.ICE.Candidate)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleOffering, domain.ICECandidate{Candidate: "late"}, "A"))
	require.NoError(t, s.AppendCandidate(ctx, "r1", domain.RoleAnswering, domain.ICECandidate{Candidate: "other"}, "A"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Contains(t, got, "early")
	assert.Contains(t, got, "late")
	assert.NotContains(t, got, "other")
	mu.Unlock()

	require.NoError(t, s.DeleteOwnCandidates(ctx, "r1", "A"))
	n, err := s.candidates.CountDocuments(ctx, map[string]any{candRoomField: "r1"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
