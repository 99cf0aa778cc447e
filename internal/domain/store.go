package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Status ProposalStatus // empty matches all
	Since  *time.Time
	Until  *time.Time
}

// ProposalStore persists proposal records. Every field of Proposal must be
// retrievable by id.
type ProposalStore interface {
	Upsert(ctx context.Context, p Proposal) error
	GetByID(ctx context.Context, orgID string, id uint64) (Proposal, error)
	ListByOrg(ctx context.Context, orgID string, opts ListOpts) ([]Proposal, error)
	ListByStatus(ctx context.Context, status ProposalStatus, opts ListOpts) ([]Proposal, error)
	MaxID(ctx context.Context, orgID string) (uint64, error)
}

// StakeEntry is one staker's recorded stake on a proposal.
type StakeEntry struct {
	OrgID      string
	ProposalID uint64
	Staker     common.Address
	Amount     *big.Int
	UpdatedAt  time.Time
}

// StakeStore persists the stake ledger snapshot.
type StakeStore interface {
	Upsert(ctx context.Context, e StakeEntry) error
	DeleteByProposal(ctx context.Context, orgID string, proposalID uint64) error
	ListByProposal(ctx context.Context, orgID string, proposalID uint64) ([]StakeEntry, error)
}

// OrgStore persists organization configuration and role membership.
type OrgStore interface {
	UpsertConfig(ctx context.Context, cfg OrgConfig) error
	GetConfig(ctx context.Context, orgID string) (OrgConfig, error)
	SetRole(ctx context.Context, orgID string, account common.Address, role string) error
	ListRole(ctx context.Context, orgID string, role string) ([]common.Address, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of lifecycle transitions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
