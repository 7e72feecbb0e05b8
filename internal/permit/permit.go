// Package permit implements the permission service (spec §4.10, L5): a
// per-dataset admin/write/read hierarchy, enforced with casbin's
// domain-scoped RBAC the same way the teacher's rbac package enforces its
// server/repo roles, generalized from a fixed two-level model to the
// three-level admin⊇write⊇read hierarchy this spec requires.
package permit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	adapter "github.com/Blank-Xu/sql-adapter"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"tabularis.dev/core/internal/apperr"
)

// Level is a permission level name, ordered read < write < admin.
type Level string

const (
	Read  Level = "read"
	Write Level = "write"
	Admin Level = "admin"
)

func (l Level) role() string { return "role:" + string(l) }
func (l Level) action() string { return "action:" + string(l) }

const casbinModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.act == p.act && r.dom == p.dom && r.obj == p.obj && g(r.sub, p.sub, r.dom)
`

// Enforcer wraps a casbin enforcer configured with the admin/write/read
// role hierarchy for the "dataset" resource.
type Enforcer struct {
	e *casbin.Enforcer
}

// NewEnforcer opens the policy store against db (the same *sql.DB the rest
// of the process uses, via the pgx stdlib driver). It seeds no policies;
// SeedHierarchy adds the role hierarchy for one domain.
func NewEnforcer(db *sql.DB) (*Enforcer, error) {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	a, err := adapter.NewAdapter(db, "pgx", "casbin_rule")
	if err != nil {
		return nil, fmt.Errorf("open casbin adapter: %w", err)
	}

	ce, err := casbin.NewEnforcer(m, a)
	if err != nil {
		return nil, fmt.Errorf("new enforcer: %w", err)
	}
	ce.EnableAutoSave(true)

	return &Enforcer{e: ce}, nil
}

// SeedHierarchy wires the dataset resource's fixed role/action policies
// and the admin⊇write⊇read inheritance edges for domain (a dataset id).
// Idempotent: AddPolicies/AddGroupingPolicy ignore already-present rows.
func (e *Enforcer) SeedHierarchy(ctx context.Context, domain string) error {
	_, err := e.e.AddPolicies([][]string{
		{Read.role(), domain, "dataset", Read.action()},
		{Write.role(), domain, "dataset", Write.action()},
		{Admin.role(), domain, "dataset", Admin.action()},
	})
	if err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	if _, err := e.e.AddGroupingPolicy(Write.role(), Read.role(), domain); err != nil {
		return fmt.Errorf("seed write-inherits-read: %w", err)
	}
	if _, err := e.e.AddGroupingPolicy(Admin.role(), Write.role(), domain); err != nil {
		return fmt.Errorf("seed admin-inherits-write: %w", err)
	}
	return nil
}

// Grant assigns userID exactly one role on dataset domain, replacing any
// prior grant (a user has one level per dataset, per spec §4.10).
func (e *Enforcer) Grant(ctx context.Context, domain, userID string, level Level) error {
	for _, l := range []Level{Read, Write, Admin} {
		if _, err := e.e.RemoveGroupingPolicy(userID, l.role(), domain); err != nil {
			return fmt.Errorf("clear prior grant: %w", err)
		}
	}
	_, err := e.e.AddGroupingPolicy(userID, level.role(), domain)
	return err
}

// Enforce checks whether userID holds at least `level` on domain.
func (e *Enforcer) Enforce(ctx context.Context, userID, domain string, level Level) (bool, error) {
	return e.e.Enforce(userID, domain, "dataset", level.action())
}

// cacheKey matches spec §4.10's memoization key: (resource_type,
// resource_id, user_id, action).
type cacheKey struct {
	resourceType string
	resourceID   string
	userID       string
	level        Level
}

// RequestCache memoizes permission checks for the lifetime of one request
// or job execution, so a handler touching the same dataset permission
// repeatedly pays for one enforcer call.
type RequestCache struct {
	enforcer *Enforcer
	mu       sync.Mutex
	results  map[cacheKey]bool
}

func NewRequestCache(e *Enforcer) *RequestCache {
	return &RequestCache{enforcer: e, results: make(map[cacheKey]bool)}
}

// Has reports whether userID holds level on the dataset resourceID,
// caching the result for subsequent calls with the same key.
func (c *RequestCache) Has(ctx context.Context, userID, resourceID string, level Level) (bool, error) {
	key := cacheKey{resourceType: "dataset", resourceID: resourceID, userID: userID, level: level}

	c.mu.Lock()
	if v, ok := c.results[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	ok, err := c.enforcer.Enforce(ctx, userID, resourceID, level)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.results[key] = ok
	c.mu.Unlock()
	return ok, nil
}

// Require returns apperr.PermissionDenied if userID lacks level on dataset
// resourceID.
func (c *RequestCache) Require(ctx context.Context, userID, resourceID string, level Level) error {
	ok, err := c.Has(ctx, userID, resourceID, level)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !ok {
		return apperr.PermissionDeniedErr("dataset", resourceID, string(level))
	}
	return nil
}

// RequireAll returns an error unless userID holds level on every dataset
// in resourceIDs.
func (c *RequestCache) RequireAll(ctx context.Context, userID string, resourceIDs []string, level Level) error {
	for _, id := range resourceIDs {
		if err := c.Require(ctx, userID, id, level); err != nil {
			return err
		}
	}
	return nil
}

// RequireAny succeeds if userID holds level on at least one dataset in
// resourceIDs, otherwise returns PermissionDenied naming the first.
func (c *RequestCache) RequireAny(ctx context.Context, userID string, resourceIDs []string, level Level) error {
	for _, id := range resourceIDs {
		ok, err := c.Has(ctx, userID, id, level)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	if len(resourceIDs) == 0 {
		return apperr.PermissionDeniedErr("dataset", "", string(level))
	}
	return apperr.PermissionDeniedErr("dataset", resourceIDs[0], string(level))
}
