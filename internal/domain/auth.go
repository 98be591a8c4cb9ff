package domain

import "time"

// ActorRole identifies which side of a chat an actor is on. The same values
// are used as the sender_type of chat messages.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RoleAdmin    ActorRole = "admin"
	RoleSystem   ActorRole = "system"
)

// Valid reports whether the role can authenticate (system never does).
func (r ActorRole) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// Counterpart returns the role on the other side of the conversation.
func (r ActorRole) Counterpart() ActorRole {
	switch r {
	case RoleCustomer:
		return RoleAdmin
	case RoleAdmin:
		return RoleCustomer
	default:
		return ""
	}
}

// Token represents issued authentication tokens metadata.
type Token struct {
	ID        string
	SubjectID int64
	Role      ActorRole
	StaffRole *StaffRole
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Principal is the authenticated caller of a request. It is resolved once per
// request and passed explicitly to services.
type Principal struct {
	ActorID     int64
	Role        ActorRole
	StaffRole   *StaffRole
	DisplayName string
}

// IsCustomer reports whether the principal is a storefront customer.
func (p Principal) IsCustomer() bool { return p.Role == RoleCustomer }

// IsAgent reports whether the principal is a support staff member.
func (p Principal) IsAgent() bool { return p.Role == RoleAdmin }

// IsSupervisor reports whether the principal may act on sessions owned by
// other agents.
func (p Principal) IsSupervisor() bool {
	return p.IsAgent() && p.StaffRole != nil && *p.StaffRole == StaffRoleAdmin
}
