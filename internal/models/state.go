// Package models defines state management structures for YTBot interactions.
package models

import "time"

// StateType identifies where a user currently is in a multi-step interaction.
type StateType string

const (
	// StateIdle means no interaction is in flight for the user.
	StateIdle StateType = "IDLE"
	// StateAwaitingChoice means the bot asked the user to pick a format.
	StateAwaitingChoice StateType = "AWAITING_CHOICE"
	// StateAwaitingConfirmation means the bot asked the user to confirm an action.
	StateAwaitingConfirmation StateType = "AWAITING_CONFIRMATION"
	// StateInProgress means a download/upload is running for the user.
	StateInProgress StateType = "IN_PROGRESS"
	// StateError means the last interaction ended in an error the user has not acknowledged.
	StateError StateType = "ERROR"
)

// IsValidStateType checks if the given state type is part of the closed vocabulary.
func IsValidStateType(st StateType) bool {
	switch st {
	case StateIdle, StateAwaitingChoice, StateAwaitingConfirmation, StateInProgress, StateError:
		return true
	default:
		return false
	}
}

// UserSession is the per-user ephemeral state for a multi-step interaction.
// Exactly one session exists per user ID; setting a new state overwrites the
// prior one.
type UserSession struct {
	UserID    string            `json:"user_id"`
	State     StateType         `json:"state"`
	Payload   map[string]string `json:"payload,omitempty"` // interaction context, e.g. pending URL and platform
	CreatedAt time.Time         `json:"created_at"`
	TouchedAt time.Time         `json:"touched_at"`
}
