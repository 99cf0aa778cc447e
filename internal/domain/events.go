package domain

import "time"

// Pub/sub channels carried over the signal bus.
const (
	ChannelProposals = "ch:proposals"
	ChannelPrices    = "ch:prices"
	StreamLifecycle  = "stream:lifecycle"
)

// Lifecycle event types, also used as notification filters.
const (
	EventProposalCreated   = "proposal_created"
	EventProposalActivated = "proposal_activated"
	EventProposalCancelled = "proposal_cancelled"
	EventProposalResolved  = "proposal_resolved"
	EventProposalFailed    = "proposal_failed"
	EventActionExecuted    = "action_executed"
	EventProposalExecuted  = "proposal_executed"
)

// LifecycleEvent is published on every proposal status transition.
type LifecycleEvent struct {
	Event      string         `json:"event"`
	OrgID      string         `json:"org_id"`
	ProposalID uint64         `json:"proposal_id"`
	Status     ProposalStatus `json:"status"`
	Outcome    Outcome        `json:"outcome,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// PriceEvent is published by the recorder on every observation poke.
type PriceEvent struct {
	OrgID      string    `json:"org_id"`
	ProposalID uint64    `json:"proposal_id"`
	PassSpot   string    `json:"pass_spot"`
	FailSpot   string    `json:"fail_spot"`
	PassTwap   string    `json:"pass_twap"`
	FailTwap   string    `json:"fail_twap"`
	At         time.Time `json:"at"`
}
