// Package mongo implements core.SignalChannel on MongoDB. Change streams
// provide the observation half, so the deployment must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	roomsCollection      = "rooms"
	candidatesCollection = "candidates"

	roomIDField       = "_id"
	roomOfferField    = "offer"
	roomOfferByField  = "offer_by"
	roomAnswerField   = "answer"
	roomAnswerByField = "answer_by"
	participantsField = "participants"

	candRoomField    = "room_id"
	candLogField     = "log"
	candSenderField  = "sender_id"
	candCreatedField = "created_at"
)

var ErrUnknownRole = errors.New("candidate log requires offering or answering role")

type Config struct {
	URI      string
	Database string
	// ResubscribeDelay is the pause before a failed change stream is reopened.
	ResubscribeDelay time.Duration
}

type Store struct {
	client     *mongo.Client
	rooms      *mongo.Collection
	candidates *mongo.Collection
	resubDelay time.Duration
	logger     zerolog.Logger
}

var _ core.SignalChannel = (*Store)(nil)

// Connect dials MongoDB and prepares the collections.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := New(client.Database(cfg.Database), cfg.ResubscribeDelay)
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database, resubDelay time.Duration) *Store {
	if resubDelay <= 0 {
		resubDelay = time.Second
	}
	return &Store{
		rooms:      db.Collection(roomsCollection),
		candidates: db.Collection(candidatesCollection),
		resubDelay: resubDelay,
		logger:     log.With().Str("module", "store.mongo").Logger(),
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.candidates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: candRoomField, Value: 1}, {Key: candLogField, Value: 1}, {Key: candCreatedField, Value: 1}}},
		{Keys: bson.D{{Key: candRoomField, Value: 1}, {Key: candSenderField, Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, bool, error) {
	var room domain.Room
	err := s.rooms.FindOne(ctx, bson.D{{Key: roomIDField, Value: roomID}}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Room{}, false, nil
	}
	if err != nil {
		return domain.Room{}, false, err
	}
	return normalize(room), true, nil
}

func (s *Store) MergeRoom(ctx context.Context, roomID string, patch domain.RoomPatch) (domain.MergeResult, error) {
	byID := bson.D{{Key: roomIDField, Value: roomID}}

	upsert := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: participantsField, Value: bson.A{}}}}}
	if patch.AddParticipant != "" {
		upsert = bson.D{{Key: "$addToSet", Value: bson.D{{Key: participantsField, Value: patch.AddParticipant}}}}
	}
	if _, err := s.rooms.UpdateOne(ctx, byID, upsert, options.Update().SetUpsert(true)); err != nil {
		return domain.MergeResult{}, fmt.Errorf("upsert room: %w", err)
	}

	res := domain.MergeResult{}
	if patch.Offer != nil {
		filter, update := offerWrite(roomID, patch)
		ur, err := s.rooms.UpdateOne(ctx, filter, update)
		if err != nil {
			return domain.MergeResult{}, fmt.Errorf("set offer: %w", err)
		}
		res.OfferApplied = ur.ModifiedCount == 1
	}
	if patch.Answer != nil {
		filter, update := answerWrite(roomID, patch)
		ur, err := s.rooms.UpdateOne(ctx, filter, update)
		if err != nil {
			return domain.MergeResult{}, fmt.Errorf("set answer: %w", err)
		}
		res.AnswerApplied = ur.ModifiedCount == 1
	}

	room, _, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return domain.MergeResult{}, fmt.Errorf("read merged room: %w", err)
	}
	res.Room = room
	// an earlier attempt of the same write may have landed without a reply
	if patch.Offer != nil && !res.OfferApplied {
		res.OfferApplied = room.HoldsOffer(patch.AddParticipant, *patch.Offer)
	}
	if patch.Answer != nil && !res.AnswerApplied {
		res.AnswerApplied = room.HoldsAnswer(patch.AddParticipant, *patch.Answer)
	}
	s.logger.Debug().
		Str("room", roomID).
		Bool("offer_applied", res.OfferApplied).
		Bool("answer_applied", res.AnswerApplied).
		Msg("room merged")
	return res, nil
}

type roomChange struct {
	OperationType string       `bson:"operationType"`
	FullDocument  *domain.Room `bson:"fullDocument"`
}

func (s *Store) SubscribeRoom(ctx context.Context, roomID string, onChange func(domain.Room, bool)) (core.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: roomID}}}},
	}
	open := func(ctx context.Context) (*mongo.ChangeStream, error) {
		// watch before reading the snapshot so no write falls in between
		cs, err := s.rooms.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			return nil, err
		}
		room, ok, err := s.GetRoom(ctx, roomID)
		if err != nil {
			_ = cs.Close(context.Background())
			return nil, err
		}
		onChange(room, ok)
		return cs, nil
	}
	handle := func(cs *mongo.ChangeStream) error {
		var ev roomChange
		if err := cs.Decode(&ev); err != nil {
			return err
		}
		switch ev.OperationType {
		case "delete":
			onChange(domain.Room{ID: roomID, Participants: []string{}}, false)
		default:
			if ev.FullDocument != nil {
				onChange(normalize(*ev.FullDocument), true)
			}
		}
		return nil
	}
	return s.watch(ctx, s.logger.With().Str("room", roomID).Str("stream", "room").Logger(), open, handle)
}

func (s *Store) AppendCandidate(ctx context.Context, roomID string, role domain.Role, cand domain.ICECandidate, senderID string) error {
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
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.candidates.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

type candidateChange struct {
	FullDocument *domain.Candidate `bson:"fullDocument"`
}

func (s *Store) SubscribeCandidates(ctx context.Context, roomID string, role domain.Role, excludeSenderID string, onAdded func(domain.Candidate)) (core.Unsubscribe, error) {
	logName := role.LogName()
	if logName == "" {
		return nil, ErrUnknownRole
	}
	filter := bson.D{
		{Key: candRoomField, Value: roomID},
		{Key: candLogField, Value: logName},
		{Key: candSenderField, Value: bson.D{{Key: "$ne", Value: excludeSenderID}}},
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument." + candRoomField, Value: roomID},
			{Key: "fullDocument." + candLogField, Value: logName},
			{Key: "fullDocument." + candSenderField, Value: bson.D{{Key: "$ne", Value: excludeSenderID}}},
		}}},
	}
	open := func(ctx context.Context) (*mongo.ChangeStream, error) {
		cs, err := s.candidates.Watch(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		cur, err := s.candidates.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: candCreatedField, Value: 1}}))
		if err != nil {
			_ = cs.Close(context.Background())
			return nil, err
		}
		var existing []domain.Candidate
		if err := cur.All(ctx, &existing); err != nil {
			_ = cs.Close(context.Background())
			return nil, err
		}
		for _, rec := range existing {
			onAdded(rec)
		}
		return cs, nil
	}
	handle := func(cs *mongo.ChangeStream) error {
		var ev candidateChange
		if err := cs.Decode(&ev); err != nil {
			return err
		}
		if ev.FullDocument != nil {
			onAdded(*ev.FullDocument)
		}
		return nil
	}
	return s.watch(ctx, s.logger.With().Str("room", roomID).Str("stream", logName).Logger(), open, handle)
}

func (s *Store) DeleteOwnCandidates(ctx context.Context, roomID, senderID string) error {
	dr, err := s.candidates.DeleteMany(ctx, bson.D{
		{Key: candRoomField, Value: roomID},
		{Key: candSenderField, Value: senderID},
	})
	if err != nil {
		return fmt.Errorf("delete candidates: %w", err)
	}
	s.logger.Debug().Str("room", roomID).Str("sender", senderID).Int64("removed", dr.DeletedCount).Msg("candidates deleted")
	return nil
}

func (s *Store) ClearNegotiation(ctx context.Context, roomID, senderID string, held domain.Role) error {
	for _, w := range clearWrites(roomID, senderID, held) {
		if _, err := s.rooms.UpdateOne(ctx, w.filter, w.update); err != nil {
			return fmt.Errorf("clear negotiation: %w", err)
		}
	}
	s.logger.Debug().Str("room", roomID).Str("sender", senderID).Str("held", held.String()).Msg("negotiation cleared")
	return nil
}

type roomWrite struct {
	filter bson.D
	update bson.D
}

// offerWrite sets the offer only while the room has none. A previous answer
// never belongs to a new offer.
func offerWrite(roomID string, patch domain.RoomPatch) (bson.D, bson.D) {
	filter := bson.D{{Key: roomIDField, Value: roomID}, {Key: roomOfferField, Value: nil}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: roomOfferField, Value: patch.Offer},
			{Key: roomOfferByField, Value: patch.AddParticipant},
		}},
		{Key: "$unset", Value: bson.D{
			{Key: roomAnswerField, Value: ""},
			{Key: roomAnswerByField, Value: ""},
		}},
	}
	return filter, update
}

// answerWrite sets the answer only while an offer exists without one.
func answerWrite(roomID string, patch domain.RoomPatch) (bson.D, bson.D) {
	filter := bson.D{
		{Key: roomIDField, Value: roomID},
		{Key: roomOfferField, Value: bson.D{{Key: "$ne", Value: nil}}},
		{Key: roomAnswerField, Value: nil},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: roomAnswerField, Value: patch.Answer},
		{Key: roomAnswerByField, Value: patch.AddParticipant},
	}}}
	return filter, update
}

// clearWrites removes the descriptions senderID wrote for the held role and
// then senderID itself from the participants.
func clearWrites(roomID, senderID string, held domain.Role) []roomWrite {
	var out []roomWrite
	switch held {
	case domain.RoleOffering:
		out = append(out, roomWrite{
			filter: bson.D{{Key: roomIDField, Value: roomID}, {Key: roomOfferByField, Value: senderID}},
			update: bson.D{{Key: "$unset", Value: bson.D{
				{Key: roomOfferField, Value: ""},
				{Key: roomOfferByField, Value: ""},
				{Key: roomAnswerField, Value: ""},
				{Key: roomAnswerByField, Value: ""},
			}}},
		})
	case domain.RoleAnswering:
		out = append(out, roomWrite{
			filter: bson.D{{Key: roomIDField, Value: roomID}, {Key: roomAnswerByField, Value: senderID}},
			update: bson.D{{Key: "$unset", Value: bson.D{
				{Key: roomAnswerField, Value: ""},
				{Key: roomAnswerByField, Value: ""},
			}}},
		})
	}
	return append(out, roomWrite{
		filter: bson.D{{Key: roomIDField, Value: roomID}},
		update: bson.D{{Key: "$pull", Value: bson.D{{Key: participantsField, Value: senderID}}}},
	})
}

// watch runs a change stream until the returned Unsubscribe is called or ctx
// ends. A broken stream is reopened, replaying the snapshot.
func (s *Store) watch(
	ctx context.Context,
	logger zerolog.Logger,
	open func(context.Context) (*mongo.ChangeStream, error),
	handle func(*mongo.ChangeStream) error,
) (core.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer func() {
			if cs != nil {
				_ = cs.Close(context.Background())
			}
		}()
		for {
			for cs.Next(ctx) {
				if err := handle(cs); err != nil {
					logger.Error().Err(err).Msg("decode change event")
				}
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(cs.Err()).Msg("change stream ended, reopening")
			_ = cs.Close(context.Background())
			cs = nil
			for cs == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.resubDelay):
				}
				next, err := open(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("reopen change stream")
					continue
				}
				cs = next
			}
		}
	}()
	return core.Unsubscribe(cancel), nil
}

func normalize(r domain.Room) domain.Room {
	if r.Participants == nil {
		r.Participants = []string{}
	}
	return r
}
