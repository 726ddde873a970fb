// Package authz decides who may approve, reject and deploy proposals using casbin.
package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Object is the single resource every pipeline action applies to
const Object = "proposals"

// Roles granted by the approver lists in evolve.toml
const (
	RoleApprover = "approver"
	RoleDeployer = "deployer"
	// Anyone matches every identified user
	Anyone = "*"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (p.sub == "*" || g(r.sub, p.sub) || r.sub == p.sub) && r.obj == p.obj && r.act == p.act
`

// Enforcer is a casbin backed usecase.Authorizer
type Enforcer struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
}

// NewEnforcer builds the policy from the approver and deployer lists. An empty
// approver list grants approve and reject to anyone; an empty deployer list
// grants deploy to anyone.
func NewEnforcer(cfg config.ApproversConfig) (*Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz: invalid model: %w", err)
	}

	var enf *casbin.Enforcer
	if cfg.Policy != "" {
		enf, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(cfg.Policy))
	} else {
		enf, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
	}
	// Config-derived rules live only in memory
	enf.EnableAutoSave(false)

	e := &Enforcer{enforcer: enf}
	if err := e.grant(RoleApprover, cfg.Users, usecase.ActionApprove, usecase.ActionReject); err != nil {
		return nil, err
	}
	if err := e.grant(RoleDeployer, cfg.Deployers, usecase.ActionDeploy); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEnforcerFromConfig is the wire provider
func NewEnforcerFromConfig(cfg *config.RuntimeConfig) (*Enforcer, error) {
	return NewEnforcer(cfg.Project.Approvers)
}

func (e *Enforcer) grant(role string, users []string, actions ...string) error {
	subject := role
	if len(users) == 0 {
		subject = Anyone
	}
	for _, act := range actions {
		if _, err := e.enforcer.AddPolicy(subject, Object, act); err != nil {
			return fmt.Errorf("authz: failed to add %s policy: %w", act, err)
		}
	}
	for _, u := range users {
		if _, err := e.enforcer.AddGroupingPolicy(u, role); err != nil {
			return fmt.Errorf("authz: failed to assign %s to %s: %w", u, role, err)
		}
	}
	return nil
}

// Authorize reports whether actor may perform action. The empty actor is never allowed.
func (e *Enforcer) Authorize(_ context.Context, actor, action string) (bool, error) {
	if actor == "" {
		return false, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ok, err := e.enforcer.Enforce(actor, Object, action)
	if err != nil {
		return false, fmt.Errorf("authz: enforce failed: %w", err)
	}
	return ok, nil
}

// Grant assigns role to user at runtime
func (e *Enforcer) Grant(user, role string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.enforcer.AddGroupingPolicy(user, role)
	return err
}

var _ usecase.Authorizer = (*Enforcer)(nil)
