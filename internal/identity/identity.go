// Package identity holds the user/team/company value objects and the
// permission evaluator. All three entity types compare by ID; the records
// themselves are immutable snapshots hydrated from Postgres.
package identity

// PermissionType names an action a team can be granted.
type PermissionType string

const (
	PermCreate   PermissionType = "create"
	PermPreview  PermissionType = "preview"
	PermView     PermissionType = "view"
	PermAcquire  PermissionType = "acquire"
	PermUpdate   PermissionType = "update"
	PermGenerate PermissionType = "generate"
	PermDelete   PermissionType = "delete"
	PermReassign PermissionType = "reassign"
)

// Valid reports whether t is one of the known permission types.
func (t PermissionType) Valid() bool {
	switch t {
	case PermCreate, PermPreview, PermView, PermAcquire,
		PermUpdate, PermGenerate, PermDelete, PermReassign:
		return true
	}
	return false
}

// PermissionScope is the breadth of a permission. Scopes are totally
// ordered: safe < company < universal.
type PermissionScope int

const (
	ScopeSafe PermissionScope = iota
	ScopeCompany
	ScopeUniversal
)

func (s PermissionScope) String() string {
	switch s {
	case ScopeSafe:
		return "safe"
	case ScopeCompany:
		return "company"
	case ScopeUniversal:
		return "universal"
	}
	return "unknown"
}

// ParseScope converts the stored scope name back to a PermissionScope.
func ParseScope(s string) (PermissionScope, bool) {
	switch s {
	case "safe":
		return ScopeSafe, true
	case "company":
		return ScopeCompany, true
	case "universal":
		return ScopeUniversal, true
	}
	return 0, false
}

// Permission pairs an action with the scope it was granted at.
type Permission struct {
	Type  PermissionType
	Scope PermissionScope
}

// Company is an organisational unit. Teams belong to exactly one company.
type Company struct {
	ID   int
	Name string
}

// Team is a named group inside a company. Teams of the same company are
// totally ordered by HierarchyIndex; comparing indices across companies is
// a programming error, so callers must restrict by company first.
type Team struct {
	ID             int
	Name           string
	HierarchyIndex int
	Company        Company
	Permissions    []Permission
}

// HasPermission reports whether the team holds a permission of p's type at
// p's scope or broader.
func (t Team) HasPermission(p Permission) bool {
	for _, held := range t.Permissions {
		if held.Type == p.Type && held.Scope >= p.Scope {
			return true
		}
	}
	return false
}

// User is an immutable snapshot of an account row plus its team
// memberships. An autopilot user is a worker identity; everyone else is a
// human operator.
type User struct {
	ID          int
	Username    string
	DisplayName string
	Email       string
	Autopilot   bool
	Admin       bool
	Teams       []Team
}

// String returns the display name, falling back to the username. This is
// what shows up in lock-conflict responses and logs.
func (u *User) String() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// CompanyIDs returns the set of companies the user belongs to through its
// teams.
func (u *User) CompanyIDs() map[int]struct{} {
	ids := make(map[int]struct{}, len(u.Teams))
	for _, t := range u.Teams {
		ids[t.Company.ID] = struct{}{}
	}
	return ids
}

// ToJSON renders the user for API responses.
func (u *User) ToJSON() map[string]any {
	teams := make([]map[string]any, 0, len(u.Teams))
	for _, t := range u.Teams {
		teams = append(teams, map[string]any{
			"id":              t.ID,
			"name":            t.Name,
			"hierarchy_index": t.HierarchyIndex,
			"company":         map[string]any{"id": t.Company.ID, "name": t.Company.Name},
		})
	}
	return map[string]any{
		"id":           u.ID,
		"username":     u.Username,
		"display_name": u.DisplayName,
		"email":        u.Email,
		"autopilot":    u.Autopilot,
		"admin":        u.Admin,
		"teams":        teams,
	}
}
