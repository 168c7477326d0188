// Package consent decides whether an agent may touch a tenant resource.
// Resources are slash-delimited paths ("tables/meals", "vectors/journal")
// or bare domains ("profile", "graph"). Grants are owned by the tenant
// and read-only here: the engine is a pure decision over current state.
package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
)

// Permissions. Read and write are independent; neither implies the other.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Decision is the typed outcome of an authorization check. A denial is a
// normal result, not an error: errors from Authorize mean the grant state
// could not be read at all.
type Decision struct {
	Allowed    bool
	Resource   string // the resource that was checked
	MatchedOn  string // the grant resource that decided, empty on no match
	Permission string
	Reason     string
}

// GrantSource yields the current grants for a tenant/agent pair.
type GrantSource interface {
	ListGrants(ctx context.Context, tenantID, agentID string) ([]storage.Grant, error)
}

// Engine evaluates grants with most-specific-match-wins semantics.
type Engine struct {
	grants GrantSource
	now    func() time.Time
}

func NewEngine(grants GrantSource) *Engine {
	return &Engine{grants: grants, now: time.Now}
}

// Authorize checks permission on resource for the identity in ctx.
// Candidates are tried from most to least specific: the exact resource,
// then the domain wildcard ("tables/meals" falls back to "tables/*").
// The first candidate with any live grant decides: if it carries the
// requested permission the check passes, otherwise it fails without
// consulting broader candidates. Expired grants are treated as absent.
func (e *Engine) Authorize(ctx context.Context, resource, permission string) (Decision, error) {
	id, ok := shared.IdentityFrom(ctx)
	if !ok {
		return Decision{Resource: resource, Permission: permission, Reason: "no identity in request context"}, nil
	}
	grants, err := e.grants.ListGrants(ctx, id.TenantID, id.AgentID)
	if err != nil {
		return Decision{}, fmt.Errorf("load grants: %w", err)
	}

	now := e.now()
	live := make(map[string]map[string]bool) // resource -> permission set
	for _, g := range grants {
		if g.Expired(now) {
			continue
		}
		if live[g.Resource] == nil {
			live[g.Resource] = make(map[string]bool)
		}
		live[g.Resource][g.Permission] = true
	}

	for _, candidate := range candidates(resource) {
		perms, ok := live[candidate]
		if !ok {
			continue
		}
		if perms[permission] {
			return Decision{
				Allowed:    true,
				Resource:   resource,
				MatchedOn:  candidate,
				Permission: permission,
			}, nil
		}
		return Decision{
			Resource:   resource,
			MatchedOn:  candidate,
			Permission: permission,
			Reason:     fmt.Sprintf("grant on %q does not include %s", candidate, permission),
		}, nil
	}
	return Decision{
		Resource:   resource,
		Permission: permission,
		Reason:     fmt.Sprintf("no grant covers %q", resource),
	}, nil
}

// candidates lists grant resources that could decide a check on resource,
// most specific first.
func candidates(resource string) []string {
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return []string{resource, resource[:i] + "/*"}
	}
	// Bare domain: the domain wildcard covers the domain itself.
	return []string{resource, resource + "/*"}
}
