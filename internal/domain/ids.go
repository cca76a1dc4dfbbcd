// Package domain contains identifiers and meta-data without logic.
package domain

import "errors"

const (
	MaxUserIDLen  = 36
	MaxGroupIDLen = 36
)

var (
	ErrUserIDEmpty    = errors.New("user id empty")
	ErrUserIDTooLong  = errors.New("user id too long")
	ErrGroupIDEmpty   = errors.New("group id empty")
	ErrGroupIDTooLong = errors.New("group id too long")
)

// UserID identifies a device/user in signaling. Remote participants in a
// group session are keyed by it.
type UserID string

// GroupID identifies a group voice room on the relay.
type GroupID string

func ValidateUserID(id UserID) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

func ValidateGroupID(id GroupID) error {
	if len(id) == 0 {
		return ErrGroupIDEmpty
	}
	if len(id) > MaxGroupIDLen {
		return ErrGroupIDTooLong
	}
	return nil
}
