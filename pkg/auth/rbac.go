package auth

import (
	"context"
	"sync"

	"github.com/fluxorio/stepflow/pkg/process"
)

// Member is a user plus the roles and site scopes that drive authorization.
// An empty Sites list means the member is valid in every site.
type Member struct {
	User  process.User
	Roles []string
	Sites []string
}

// RoleOracle is a role-based process.PermissionOracle backed by an in-memory
// directory. Register members and role requirements up front; lookups are
// safe for concurrent use.
type RoleOracle struct {
	mu          sync.RWMutex
	members     map[string]Member
	actionRoles map[process.Action][]string
	stepRoles   map[string][]string
	manageRoles []string
	adminRoles  []string
}

// NewRoleOracle returns an empty oracle. With no role requirements
// registered, every action is allowed.
func NewRoleOracle() *RoleOracle {
	return &RoleOracle{
		members:     make(map[string]Member),
		actionRoles: make(map[process.Action][]string),
		stepRoles:   make(map[string][]string),
	}
}

// AddMember registers or replaces a member by user ID.
func (o *RoleOracle) AddMember(m Member) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members[m.User.ID] = m
}

// RequireRoles restricts an action to principals holding any of roles.
func (o *RoleOracle) RequireRoles(action process.Action, roles ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actionRoles[action] = append(o.actionRoles[action][:0:0], roles...)
}

// AllowStepApprovers names the roles whose members may approve a step.
func (o *RoleOracle) AllowStepApprovers(stepID string, roles ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepRoles[stepID] = append(o.stepRoles[stepID][:0:0], roles...)
}

// SetManagerRoles names the roles counted as having manage permission.
func (o *RoleOracle) SetManagerRoles(roles ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.manageRoles = append(roles[:0:0], roles...)
}

// SetAdminRoles names the roles counted as administrators.
func (o *RoleOracle) SetAdminRoles(roles ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adminRoles = append(roles[:0:0], roles...)
}

func (o *RoleOracle) CanPerform(_ context.Context, principal process.Principal, subject process.Subject, _ *process.ProcessState, action process.Action) (bool, error) {
	if principal.Admin {
		return true, nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	roles := principal.Roles
	if m, ok := o.members[principal.ID]; ok {
		if subject != nil && !memberInSite(m, subject.SiteScope()) {
			return false, nil
		}
		roles = mergeRoles(roles, m.Roles)
	}
	if hasAnyRole(roles, o.adminRoles) {
		return true, nil
	}

	required, ok := o.actionRoles[action]
	if !ok {
		return true, nil
	}
	return hasAnyRole(roles, required), nil
}

func (o *RoleOracle) UsersWhoCanApprove(_ context.Context, step *process.Step, _ string, siteScope string) ([]process.User, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	required := o.stepRoles[step.ID]
	if len(required) == 0 {
		return nil, nil
	}
	return o.membersWithAnyRole(required, siteScope), nil
}

func (o *RoleOracle) UsersWithManagePermission(_ context.Context, _ process.Subject, siteScope string) ([]process.User, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.membersWithAnyRole(o.manageRoles, siteScope), nil
}

func (o *RoleOracle) Administrators(_ context.Context, siteScope string) ([]process.User, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.membersWithAnyRole(o.adminRoles, siteScope), nil
}

// membersWithAnyRole expects the read lock to be held.
func (o *RoleOracle) membersWithAnyRole(roles []string, siteScope string) []process.User {
	if len(roles) == 0 {
		return nil
	}
	result := make([]process.User, 0)
	for _, m := range o.members {
		if !memberInSite(m, siteScope) {
			continue
		}
		if hasAnyRole(m.Roles, roles) {
			result = append(result, m.User)
		}
	}
	return result
}

func memberInSite(m Member, siteScope string) bool {
	if siteScope == "" || len(m.Sites) == 0 {
		return true
	}
	for _, s := range m.Sites {
		if s == siteScope {
			return true
		}
	}
	return false
}

func hasAnyRole(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func mergeRoles(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := append(a[:0:0], a...)
	for _, r := range b {
		found := false
		for _, have := range out {
			if have == r {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}
