package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of an escrow transaction.
type Status uint8

const (
	StatusAwaitingPayment Status = iota
	StatusAwaitingDelivery
	StatusComplete
	StatusRefunded
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingPayment, StatusAwaitingDelivery, StatusComplete, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRefunded
}

// String returns the canonical wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusAwaitingPayment:
		return "awaiting_payment"
	case StatusAwaitingDelivery:
		return "awaiting_delivery"
	case StatusComplete:
		return "complete"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Transaction captures a single escrow agreement between a buyer, a seller and
// an arbitrator. The identifier is the keccak256 hash of the three principals
// and a caller-supplied nonce. Principals, description and nonce are immutable
// after creation; the amounts are fixed at deposit time and never change
// afterwards.
type Transaction struct {
	ID              [32]byte
	Buyer           [20]byte
	Seller          [20]byte
	Arbitrator      [20]byte
	GrossAmount     *big.Int
	NetAmount       *big.Int
	FeeAmount       *big.Int
	Status          Status
	BuyerConfirmed  bool
	SellerConfirmed bool
	CreatedAt       int64
	CompletedAt     int64
	Nonce           uint64
	Description     string
}

// Clone returns a deep copy of the transaction so callers can safely mutate
// the copy without affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.GrossAmount = cloneBigInt(t.GrossAmount)
	clone.NetAmount = cloneBigInt(t.NetAmount)
	clone.FeeAmount = cloneBigInt(t.FeeAmount)
	return &clone
}

// IsParticipant reports whether the address is the recorded buyer or seller.
func (t *Transaction) IsParticipant(addr [20]byte) bool {
	if t == nil {
		return false
	}
	return addr == t.Buyer || addr == t.Seller
}

// SanitizeTransaction validates and normalises the supplied transaction,
// returning a cloned instance with non-nil amount fields. The function does
// not mutate the original value.
func SanitizeTransaction(t *Transaction) (*Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	clone := t.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid transaction status: %d", clone.Status)
	}
	for _, amt := range []*big.Int{clone.GrossAmount, clone.NetAmount, clone.FeeAmount} {
		if amt.Sign() < 0 {
			return nil, fmt.Errorf("transaction amounts must be non-negative")
		}
	}
	if clone.GrossAmount.Sign() > 0 {
		sum := new(big.Int).Add(clone.FeeAmount, clone.NetAmount)
		if sum.Cmp(clone.GrossAmount) != 0 {
			return nil, fmt.Errorf("fee and net amounts must sum to the gross amount")
		}
		if clone.Status == StatusAwaitingPayment {
			return nil, fmt.Errorf("deposited transaction cannot await payment")
		}
	}
	if clone.Status.Terminal() && clone.CompletedAt == 0 {
		return nil, fmt.Errorf("terminal transaction missing completion timestamp")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
