package domain

import (
	"errors"
	"slices"
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// Room is the shared negotiation document both sides of a call observe.
// An answer only exists relative to the current offer. OfferBy and AnswerBy
// name the participant that wrote each description.
type Room struct {
	ID           string              `json:"id" bson:"_id"`
	Offer        *SessionDescription `json:"offer,omitempty" bson:"offer,omitempty"`
	OfferBy      string              `json:"offerBy,omitempty" bson:"offer_by,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty" bson:"answer,omitempty"`
	AnswerBy     string              `json:"answerBy,omitempty" bson:"answer_by,omitempty"`
	Participants []string            `json:"participants" bson:"participants"`
}

// Negotiated reports whether both halves of the exchange are present.
func (r Room) Negotiated() bool { return r.Offer != nil && r.Answer != nil }

// HoldsOffer reports whether by wrote the current offer and it is desc.
// A retried write whose first attempt landed is recognised this way.
func (r Room) HoldsOffer(by string, desc SessionDescription) bool {
	return by != "" && r.Offer != nil && r.OfferBy == by && *r.Offer == desc
}

func (r Room) HoldsAnswer(by string, desc SessionDescription) bool {
	return by != "" && r.Answer != nil && r.AnswerBy == by && *r.Answer == desc
}

func (r Room) HasParticipant(id string) bool { return slices.Contains(r.Participants, id) }

// Clone returns a deep copy so store snapshots never alias.
func (r Room) Clone() Room {
	out := Room{ID: r.ID, OfferBy: r.OfferBy, AnswerBy: r.AnswerBy, Participants: slices.Clone(r.Participants)}
	if r.Offer != nil {
		o := *r.Offer
		out.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		out.Answer = &a
	}
	if out.Participants == nil {
		out.Participants = []string{}
	}
	return out
}

// RoomPatch lists the fields a writer explicitly provides. Nil fields are
// left untouched. AddParticipant also names the writer of Offer and Answer.
type RoomPatch struct {
	Offer          *SessionDescription
	Answer         *SessionDescription
	AddParticipant string
}

// MergeResult is the room after a merge plus which descriptions the caller
// actually wrote.
type MergeResult struct {
	Room          Room
	OfferApplied  bool
	AnswerApplied bool
}

func ValidateRoomID(id string) error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
