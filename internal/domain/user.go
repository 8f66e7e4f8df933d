// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// Participant is the caller-supplied stable identity of one side of a call.
type Participant struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// NewParticipant validates a caller-supplied identity.
func NewParticipant(id, displayName string) (*Participant, error) {
	if err := ValidateUserID(id); err != nil {
		return nil, err
	}
	if len(displayName) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &Participant{ID: UserID(id), DisplayName: displayName}, nil
}

func ValidateUserID(id string) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
