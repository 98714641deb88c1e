package identity

// HasPermissionFor evaluates whether the user may perform the given action
// on a resource owned by owner.
//
// The evaluation order is fixed:
//
//  1. Admins may do anything.
//  2. A universal grant of the action succeeds regardless of company.
//  3. Without a company shared with the owner, nothing else can match.
//  4. A company-scoped grant succeeds in any shared company.
//  5. A safe-scoped grant succeeds only from a team that sits at or above
//     the owner's highest team within the same shared company.
//
// Hierarchy indices are never compared across companies.
func (u *User) HasPermissionFor(action PermissionType, owner *User) bool {
	if u.Admin {
		return true
	}

	for _, t := range u.Teams {
		if t.HasPermission(Permission{Type: action, Scope: ScopeUniversal}) {
			return true
		}
	}

	shared := sharedCompanies(u, owner)
	if len(shared) == 0 {
		return false
	}

	for _, t := range u.Teams {
		if _, ok := shared[t.Company.ID]; !ok {
			continue
		}
		if t.HasPermission(Permission{Type: action, Scope: ScopeCompany}) {
			return true
		}
	}

	for _, t := range u.Teams {
		if _, ok := shared[t.Company.ID]; !ok {
			continue
		}
		ownerTop, ok := highestTeamIndex(owner, t.Company.ID)
		if !ok || t.HierarchyIndex < ownerTop {
			continue
		}
		if t.HasPermission(Permission{Type: action, Scope: ScopeSafe}) {
			return true
		}
	}

	return false
}

func sharedCompanies(a, b *User) map[int]struct{} {
	if b == nil {
		return nil
	}
	bIDs := b.CompanyIDs()
	shared := make(map[int]struct{})
	for id := range a.CompanyIDs() {
		if _, ok := bIDs[id]; ok {
			shared[id] = struct{}{}
		}
	}
	return shared
}

// highestTeamIndex returns the largest hierarchy index the user holds
// within the given company.
func highestTeamIndex(u *User, companyID int) (int, bool) {
	best, found := 0, false
	for _, t := range u.Teams {
		if t.Company.ID != companyID {
			continue
		}
		if !found || t.HierarchyIndex > best {
			best, found = t.HierarchyIndex, true
		}
	}
	return best, found
}
