// Package auth gates HTTP routes by role. Identity is established upstream;
// requests arrive with a role header set by the gateway.
package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Objects and actions checked by the API.
const (
	ObjRates         = "rates"
	ObjConsumption   = "consumption"
	ObjNotifications = "notifications"
	ObjRecalc        = "recalculations"
	ObjSettings      = "settings"

	ActRead  = "read"
	ActWrite = "write"
)

const policyModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*") && (r.act == p.act || p.act == "*")
`

// Policy is the role based access policy of the API.
type Policy struct {
	enforcer *casbin.Enforcer
}

// NewPolicy builds the default policy: admins may do anything, editors
// publish rates, record consumption and trigger recalculations, viewers
// only read.
func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	rules := [][]string{
		{RoleAdmin, "*", "*"},
		{RoleEditor, ObjRates, ActRead},
		{RoleEditor, ObjRates, ActWrite},
		{RoleEditor, ObjConsumption, ActRead},
		{RoleEditor, ObjConsumption, ActWrite},
		{RoleEditor, ObjNotifications, ActRead},
		{RoleEditor, ObjNotifications, ActWrite},
		{RoleEditor, ObjRecalc, ActRead},
		{RoleEditor, ObjRecalc, ActWrite},
		{RoleViewer, ObjRates, ActRead},
		{RoleViewer, ObjConsumption, ActRead},
		{RoleViewer, ObjNotifications, ActRead},
		{RoleViewer, ObjNotifications, ActWrite},
		{RoleViewer, ObjRecalc, ActRead},
	}
	if _, err := e.AddPolicies(rules); err != nil {
		return nil, fmt.Errorf("load default policy: %w", err)
	}
	return &Policy{enforcer: e}, nil
}

// Allowed reports whether role may perform act on obj.
func (p *Policy) Allowed(role, obj, act string) (bool, error) {
	return p.enforcer.Enforce(role, obj, act)
}
