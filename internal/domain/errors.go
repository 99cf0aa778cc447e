package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrThresholdNotMet   = errors.New("threshold not met")
	ErrConservation      = errors.New("conservation violation")
	ErrTimingViolation   = errors.New("timing violation")
	ErrCollaborator      = errors.New("collaborator failure")
	ErrNothingToRedeem   = errors.New("nothing to redeem")
	ErrInsufficientStake = errors.New("insufficient stake")
	ErrProposalLive      = errors.New("another proposal is live")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)
