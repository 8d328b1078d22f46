package escrow

import "fmt"

// Operation enumerates the guarded state-changing and administrative calls.
type Operation uint8

const (
	OpDeposit Operation = iota
	OpConfirmDelivery
	OpRaiseDispute
	OpResolveDispute
	OpSetFeeRate
	OpVaultBalance
)

// String returns the wire name of the operation, used in error detail and
// event attributes.
func (op Operation) String() string {
	switch op {
	case OpDeposit:
		return "deposit"
	case OpConfirmDelivery:
		return "confirm_delivery"
	case OpRaiseDispute:
		return "raise_dispute"
	case OpResolveDispute:
		return "resolve_dispute"
	case OpSetFeeRate:
		return "set_fee_rate"
	case OpVaultBalance:
		return "vault_balance"
	default:
		return "unknown"
	}
}

// Role identifies who may invoke an operation relative to a transaction.
type Role uint8

const (
	RoleAny Role = iota
	RoleBuyer
	RoleSeller
	RoleArbitrator
	// RoleParty is satisfied by the buyer or the seller.
	RoleParty
	// RoleOwner is the administrative principal (fee collector).
	RoleOwner
)

// operationRoles is the complete authorization matrix. Guards consult this
// table instead of scattering role checks through the transition code so the
// matrix stays auditable in one place.
var operationRoles = map[Operation]Role{
	OpDeposit:         RoleBuyer,
	OpConfirmDelivery: RoleParty,
	OpRaiseDispute:    RoleParty,
	OpResolveDispute:  RoleArbitrator,
	OpSetFeeRate:      RoleOwner,
	OpVaultBalance:    RoleOwner,
}

// Policy authorizes callers against the operation matrix. Guard layers run in
// a fixed order: existence, then status, then role. Existence comes first
// because the role check dereferences transaction fields; the engine performs
// the first two layers before consulting the policy.
type Policy struct {
	owner [20]byte
}

// NewPolicy returns a policy with the given administrative principal.
func NewPolicy(owner [20]byte) Policy {
	return Policy{owner: owner}
}

// Authorize reports whether the caller satisfies the role required for the
// operation against the target transaction. Administrative operations pass a
// nil transaction.
func (p Policy) Authorize(op Operation, caller [20]byte, tx *Transaction) error {
	role, ok := operationRoles[op]
	if !ok {
		return fmt.Errorf("%w: unknown operation %d", ErrUnauthorized, op)
	}
	if p.satisfies(role, caller, tx) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, op)
}

func (p Policy) satisfies(role Role, caller [20]byte, tx *Transaction) bool {
	switch role {
	case RoleAny:
		return true
	case RoleOwner:
		return caller == p.owner
	case RoleBuyer:
		return tx != nil && caller == tx.Buyer
	case RoleSeller:
		return tx != nil && caller == tx.Seller
	case RoleArbitrator:
		return tx != nil && caller == tx.Arbitrator
	case RoleParty:
		return tx.IsParticipant(caller)
	default:
		return false
	}
}
