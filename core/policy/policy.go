package policy

// Decision is the outcome of an authorization check.
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Policy is the fixed set of admin sender IDs allowed to run commands.
// It is built once at startup and never mutated.
type Policy struct {
	admins  []int64
	allowed map[int64]bool
}

// New creates a Policy that authorizes only the given sender IDs.
// Order is kept: it is also the broadcast order for events.
func New(adminIDs []int64) *Policy {
	p := &Policy{allowed: make(map[int64]bool, len(adminIDs))}
	for _, id := range adminIDs {
		if p.allowed[id] {
			continue
		}
		p.allowed[id] = true
		p.admins = append(p.admins, id)
	}
	return p
}

// Check decides whether the sender may invoke commands.
func (p *Policy) Check(senderID int64) Decision {
	if p.allowed[senderID] {
		return Allowed
	}
	return Denied
}

// IsAdmin is Check as a bool.
func (p *Policy) IsAdmin(senderID int64) bool {
	return p.Check(senderID) == Allowed
}

// Admins returns a copy of the admin IDs in configuration order.
func (p *Policy) Admins() []int64 {
	out := make([]int64, len(p.admins))
	copy(out, p.admins)
	return out
}
