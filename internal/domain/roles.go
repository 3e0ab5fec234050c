package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Role is an agent role. The set is closed: every role has an entry in roleTable.
type Role string

const (
	RolePM        Role = "pm"
	RoleArchitect Role = "architect"
	RoleDev       Role = "dev"
	RoleQA        Role = "qa"
	RoleReviewer  Role = "reviewer"
	RoleValidator Role = "validator"
)

// RoleSpec describes what a role may do.
type RoleSpec struct {
	Title string
	// Implements marks roles that write implementation code when spawned.
	Implements bool
}

var roleTable = map[Role]RoleSpec{
	RolePM:        {Title: "Product Manager"},
	RoleArchitect: {Title: "Architect"},
	RoleDev:       {Title: "Developer", Implements: true},
	RoleQA:        {Title: "QA Engineer"},
	RoleReviewer:  {Title: "Reviewer"},
	RoleValidator: {Title: "Validator"},
}

// ParseRole accepts a role name case-insensitively and rejects anything outside the table.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleTable[r]; !ok {
		return "", fmt.Errorf("unknown agent role %q (known: %s)", s, strings.Join(RoleNames(), ", "))
	}
	return r, nil
}

// Spec returns the table entry for r. Unknown roles yield the zero spec.
func (r Role) Spec() RoleSpec {
	return roleTable[r]
}

func (r Role) Valid() bool {
	_, ok := roleTable[r]
	return ok
}

// Roles lists all roles in a stable order.
func Roles() []Role {
	out := make([]Role, 0, len(roleTable))
	for r := range roleTable {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func RoleNames() []string {
	roles := Roles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
