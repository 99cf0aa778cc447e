// Package registry provides the organization configuration and role
// collaborator. Configs and memberships are seeded at wiring time and can
// be persisted through an optional org store; the engine only ever sees
// the injected domain.Registry handle.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// Role names persisted by the org store.
const (
	RoleOwner = "owner"
	RoleTeam  = "team"
	RoleAdmin = "protocol_admin"
)

// Registry implements domain.Registry in memory with optional
// write-through persistence.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]domain.OrgConfig
	owners  map[string]common.Address
	team    map[string]map[common.Address]bool
	admins  map[common.Address]bool
	store   domain.OrgStore // optional
}

// New creates an empty Registry. store may be nil.
func New(store domain.OrgStore) *Registry {
	return &Registry{
		configs: make(map[string]domain.OrgConfig),
		owners:  make(map[string]common.Address),
		team:    make(map[string]map[common.Address]bool),
		admins:  make(map[common.Address]bool),
		store:   store,
	}
}

// SetOrgConfig registers or replaces an organization's configuration.
func (r *Registry) SetOrgConfig(ctx context.Context, cfg domain.OrgConfig) error {
	r.mu.Lock()
	r.configs[cfg.OrgID] = cfg
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertConfig(ctx, cfg); err != nil {
			return fmt.Errorf("registry: persist org config %s: %w", cfg.OrgID, err)
		}
	}
	return nil
}

// SetOwner records the organization owner.
func (r *Registry) SetOwner(ctx context.Context, orgID string, owner common.Address) error {
	r.mu.Lock()
	r.owners[orgID] = owner
	r.mu.Unlock()
	return r.persistRole(ctx, orgID, owner, RoleOwner)
}

// AddTeamMember records a team member for the organization.
func (r *Registry) AddTeamMember(ctx context.Context, orgID string, member common.Address) error {
	r.mu.Lock()
	m, ok := r.team[orgID]
	if !ok {
		m = make(map[common.Address]bool)
		r.team[orgID] = m
	}
	m[member] = true
	r.mu.Unlock()
	return r.persistRole(ctx, orgID, member, RoleTeam)
}

// AddProtocolAdmin records a protocol-level administrator.
func (r *Registry) AddProtocolAdmin(ctx context.Context, account common.Address) error {
	r.mu.Lock()
	r.admins[account] = true
	r.mu.Unlock()
	return r.persistRole(ctx, "", account, RoleAdmin)
}

func (r *Registry) persistRole(ctx context.Context, orgID string, account common.Address, role string) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SetRole(ctx, orgID, account, role); err != nil {
		return fmt.Errorf("registry: persist role %s: %w", role, err)
	}
	return nil
}

// OrgConfig returns the organization's configuration.
func (r *Registry) OrgConfig(_ context.Context, orgID string) (domain.OrgConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[orgID]
	if !ok {
		return domain.OrgConfig{}, fmt.Errorf("registry: org %s: %w", orgID, domain.ErrNotFound)
	}
	return cfg, nil
}

// IsOwner reports whether account owns the organization.
func (r *Registry) IsOwner(_ context.Context, orgID string, account common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[orgID] == account && account != (common.Address{}), nil
}

// IsTeamMember reports whether account is on the organization's team. The
// owner is not implicitly a team member.
func (r *Registry) IsTeamMember(_ context.Context, orgID string, account common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.team[orgID][account], nil
}

// IsProtocolAdmin reports whether account is a protocol administrator.
func (r *Registry) IsProtocolAdmin(_ context.Context, account common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[account], nil
}

// Compile-time interface check.
var _ domain.Registry = (*Registry)(nil)
