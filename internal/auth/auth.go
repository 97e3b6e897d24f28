// Package auth carries the explicit actor context threaded through
// every engine operation, and the resource-level authorization check
// consulted at batch creation and per touched entity.
package auth

import "fmt"

// Resource types checked by the engine.
const (
	ResourceBatch           = "BATCH"
	ResourceProcessInstance = "PROCESS_INSTANCE"
	ResourceJob             = "JOB"
)

// Permissions.
const (
	PermissionCreate                      = "CREATE"
	PermissionDelete                      = "DELETE"
	PermissionRead                        = "READ"
	PermissionUpdate                      = "UPDATE"
	PermissionCreateBatchMigrateInstances = "CREATE_BATCH_MIGRATE_PROCESS_INSTANCES"
	PermissionCreateBatchDeleteInstances  = "CREATE_BATCH_DELETE_RUNNING_PROCESS_INSTANCES"
	PermissionCreateBatchSetJobRetries    = "CREATE_BATCH_SET_JOB_RETRIES"
)

// Actor identifies who is performing an operation. The zero value is
// an anonymous caller. Internal bookkeeping (seed fan-out, monitor
// finalization, cleanup) runs as the system actor, which bypasses
// authorization explicitly rather than through a mutable global.
type Actor struct {
	ID     string
	System bool
}

// System returns the internal system actor.
func System() Actor { return Actor{ID: "system", System: true} }

// User returns an actor for an authenticated user id.
func User(id string) Actor { return Actor{ID: id} }

// Authorizer answers resource-level permission checks.
type Authorizer interface {
	IsAuthorized(actor Actor, permission, resource, resourceID string) bool
}

// Error reports a denied permission check. It is returned synchronously
// at the point the check is evaluated.
type Error struct {
	Actor      Actor
	Permission string
	Resource   string
	ResourceID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("actor %q is not authorized for %s on %s %q", e.Actor.ID, e.Permission, e.Resource, e.ResourceID)
}

// AllowAll grants everything; the default when no authorization
// provider is plugged in.
type AllowAll struct{}

func (AllowAll) IsAuthorized(Actor, string, string, string) bool { return true }

// Static is a rule-table authorizer used in tests and simple
// deployments. The system actor is always allowed.
type Static struct {
	rules map[string]bool
}

// NewStatic builds an empty rule table.
func NewStatic() *Static {
	return &Static{rules: make(map[string]bool)}
}

// Grant allows actorID the permission on the resource. An empty
// resourceID grants it for any id of that resource type.
func (s *Static) Grant(actorID, permission, resource, resourceID string) {
	s.rules[ruleKey(actorID, permission, resource, resourceID)] = true
}

// Deny records an explicit denial for a specific resource id, taking
// precedence over a wildcard grant.
func (s *Static) Deny(actorID, permission, resource, resourceID string) {
	s.rules[ruleKey(actorID, permission, resource, resourceID)] = false
}

func (s *Static) IsAuthorized(actor Actor, permission, resource, resourceID string) bool {
	if actor.System {
		return true
	}
	if v, ok := s.rules[ruleKey(actor.ID, permission, resource, resourceID)]; ok {
		return v
	}
	if v, ok := s.rules[ruleKey(actor.ID, permission, resource, "")]; ok {
		return v
	}
	return false
}

func ruleKey(actorID, permission, resource, resourceID string) string {
	return actorID + "|" + permission + "|" + resource + "|" + resourceID
}
