package domain

import "time"

// Candidate is one record of an append-only candidate log.
type Candidate struct {
	ID        string       `json:"id" bson:"_id"`
	RoomID    string       `json:"roomId" bson:"room_id"`
	Log       string       `json:"log" bson:"log"`
	SenderID  string       `json:"senderId" bson:"sender_id"`
	ICE       ICECandidate `json:"ice" bson:"ice"`
	CreatedAt time.Time    `json:"createdAt" bson:"created_at"`
}

// Role is the side of the negotiation a client plays in a room.
type Role string

const (
	RoleUndecided Role = ""
	RoleOffering  Role = "offering"
	RoleAnswering Role = "answering"
)

const (
	OfferCandidatesLog  = "offerCandidates"
	AnswerCandidatesLog = "answerCandidates"
)

// LogName is the candidate log the role appends to.
func (r Role) LogName() string {
	switch r {
	case RoleOffering:
		return OfferCandidatesLog
	case RoleAnswering:
		return AnswerCandidatesLog
	}
	return ""
}

// Opposite is the role whose log this role consumes.
func (r Role) Opposite() Role {
	switch r {
	case RoleOffering:
		return RoleAnswering
	case RoleAnswering:
		return RoleOffering
	}
	return RoleUndecided
}

func (r Role) String() string {
	if r == RoleUndecided {
		return "undecided"
	}
	return string(r)
}
