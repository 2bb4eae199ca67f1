package auth

import (
	"fmt"
	"sort"
)

const (
	PermCaseRead   = "case.read"
	PermCaseWrite  = "case.write"
	PermCaseEvent  = "case.event"
	PermCycleRun   = "cycle.run"
	PermEventsRead = "events.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// rolePermissions is the built-in role table. Roles not listed grant nothing.
var rolePermissions = map[string][]string{
	"admin":    {PermCaseRead, PermCaseWrite, PermCaseEvent, PermCycleRun, PermEventsRead},
	"advisor":  {PermCaseRead, PermCaseWrite, PermCaseEvent, PermEventsRead},
	"operator": {PermCaseRead, PermCycleRun, PermEventsRead},
	"viewer":   {PermCaseRead},
}

// KnownRole reports whether the role is in the built-in table.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions expands roles and merges explicit grants, sorted and deduplicated.
func Permissions(roles, explicit []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range explicit {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns a ForbiddenError unless perm is granted.
func Require(granted []string, perm string) error {
	for _, p := range granted {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}
