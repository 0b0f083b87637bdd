package ledger

// =============================================================================
// PRINCIPAL - Who is acting, and on which bases
// =============================================================================
//
// The ledger does not authenticate anyone. The access-control collaborator
// (the HTTP layer's token middleware) resolves a Principal and hands it to
// every operation. The ledger only enforces the base scope it carries.

type Role string

const (
	RoleAdmin            Role = "admin"
	RoleBaseCommander    Role = "base_commander"
	RoleLogisticsOfficer Role = "logistics_officer"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleBaseCommander || r == RoleLogisticsOfficer
}

// Principal is the authenticated actor of an operation. An empty Bases
// slice means the principal is not restricted to any base.
type Principal struct {
	ID    string
	Role  Role
	Bases []BaseID
}

// System is the principal used by internal tooling (seeding, verification).
var System = Principal{ID: "system", Role: RoleAdmin}

func (p Principal) Unrestricted() bool { return len(p.Bases) == 0 }

func (p Principal) CanAccess(base BaseID) bool {
	if p.Unrestricted() {
		return true
	}
	for _, b := range p.Bases {
		if b == base {
			return true
		}
	}
	return false
}

func (p Principal) require(base BaseID) error {
	if !p.CanAccess(base) {
		return &OutOfScopeError{Principal: p.ID, Base: base}
	}
	return nil
}

// requireAny passes if the principal may act on at least one of bases.
func (p Principal) requireAny(bases ...BaseID) error {
	for _, b := range bases {
		if p.CanAccess(b) {
			return nil
		}
	}
	return &OutOfScopeError{Principal: p.ID, Base: bases[0]}
}

// canSeeEvent reports whether any key the event touches is in scope.
func (p Principal) canSeeEvent(ev Event) bool {
	if p.Unrestricted() {
		return true
	}
	for _, k := range ev.Keys() {
		if p.CanAccess(k.Base) {
			return true
		}
	}
	return false
}
