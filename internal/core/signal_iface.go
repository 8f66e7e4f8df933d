package core

import (
	"context"

	"github.com/dkeye/CareCall/internal/domain"
)

// Unsubscribe stops a subscription. Safe to call more than once.
type Unsubscribe func()

// SignalChannel abstracts the shared observable document store both peers
// negotiate through. Implementations deliver change notifications at least
// once and in write order per subscription.
type SignalChannel interface {
	// GetRoom returns the room document and whether it exists.
	GetRoom(ctx context.Context, roomID string) (domain.Room, bool, error)
	// MergeRoom applies patch without touching fields the caller did not
	// provide. Offer and answer are only written when absent.
	MergeRoom(ctx context.Context, roomID string, patch domain.RoomPatch) (domain.MergeResult, error)
	// SubscribeRoom delivers the current snapshot and then every change.
	SubscribeRoom(ctx context.Context, roomID string, onChange func(room domain.Room, exists bool)) (Unsubscribe, error)
	// AppendCandidate appends to the log owned by role.
	AppendCandidate(ctx context.Context, roomID string, role domain.Role, cand domain.ICECandidate, senderID string) error
	// SubscribeCandidates delivers existing and future records of role's log,
	// skipping those sent by excludeSenderID.
	SubscribeCandidates(ctx context.Context, roomID string, role domain.Role, excludeSenderID string, onAdded func(domain.Candidate)) (Unsubscribe, error)
	// DeleteOwnCandidates removes every record senderID appended to either log.
	DeleteOwnCandidates(ctx context.Context, roomID, senderID string) error
	// ClearNegotiation drops the descriptions held by role and removes
	// senderID from participants.
	ClearNegotiation(ctx context.Context, roomID, senderID string, held domain.Role) error
}
