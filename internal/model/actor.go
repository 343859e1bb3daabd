package model

// Role is the privilege level of an authenticated actor.
type Role string

const (
	RoleOrdinary Role = "ordinary"
	RoleElevated Role = "elevated"
)

// Capability is a single permission checked by the guard.
type Capability string

const (
	CapRead     Capability = "read"
	CapCheckout Capability = "checkout"
	CapCheckin  Capability = "checkin"
	CapRegister Capability = "register"
	CapRemove   Capability = "remove"
	CapOverride Capability = "override"
)

var roleCapabilities = map[Role][]Capability{
	RoleOrdinary: {CapRead, CapCheckout, CapCheckin, CapRegister},
	RoleElevated: {CapRead, CapCheckout, CapCheckin, CapRegister, CapRemove, CapOverride},
}

// ParseRole returns the Role named by s and whether it is known.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	_, ok := roleCapabilities[r]
	return r, ok
}

// Capabilities returns the capability set granted to the role.
// Unknown roles get nothing.
func (r Role) Capabilities() []Capability {
	caps := roleCapabilities[r]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// Has reports whether the role grants c.
func (r Role) Has(c Capability) bool {
	for _, have := range roleCapabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// Actor is an authenticated identity. It is immutable for a session.
type Actor struct {
	ID   string
	Role Role
}

// Can reports whether the actor holds capability c.
func (a *Actor) Can(c Capability) bool {
	if a == nil {
		return false
	}
	return a.Role.Has(c)
}
