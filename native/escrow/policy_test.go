package escrow

import (
	"errors"
	"testing"
)

func TestAuthorizeMatrix(t *testing.T) {
	owner := newTestAddress(0xCC)
	outsider := newTestAddress(0x09)
	policy := NewPolicy(owner)
	tx := sampleTransaction()

	cases := []struct {
		name    string
		op      Operation
		caller  [20]byte
		allowed bool
	}{
		{"buyer deposits", OpDeposit, tx.Buyer, true},
		{"seller cannot deposit", OpDeposit, tx.Seller, false},
		{"arbitrator cannot deposit", OpDeposit, tx.Arbitrator, false},
		{"buyer confirms", OpConfirmDelivery, tx.Buyer, true},
		{"seller confirms", OpConfirmDelivery, tx.Seller, true},
		{"arbitrator cannot confirm", OpConfirmDelivery, tx.Arbitrator, false},
		{"outsider cannot confirm", OpConfirmDelivery, outsider, false},
		{"buyer disputes", OpRaiseDispute, tx.Buyer, true},
		{"seller disputes", OpRaiseDispute, tx.Seller, true},
		{"arbitrator cannot dispute", OpRaiseDispute, tx.Arbitrator, false},
		{"arbitrator resolves", OpResolveDispute, tx.Arbitrator, true},
		{"buyer cannot resolve", OpResolveDispute, tx.Buyer, false},
		{"seller cannot resolve", OpResolveDispute, tx.Seller, false},
		{"owner sets fee rate", OpSetFeeRate, owner, true},
		{"buyer cannot set fee rate", OpSetFeeRate, tx.Buyer, false},
		{"owner reads vault", OpVaultBalance, owner, true},
		{"outsider cannot read vault", OpVaultBalance, outsider, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Authorize(tc.op, tc.caller, tx)
			if tc.allowed && err != nil {
				t.Fatalf("expected authorization, got %v", err)
			}
			if !tc.allowed {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected unauthorized, got %v", err)
				}
			}
		})
	}
}

func TestAuthorizeAdministrativeWithoutTransaction(t *testing.T) {
	owner := newTestAddress(0xCC)
	policy := NewPolicy(owner)
	if err := policy.Authorize(OpSetFeeRate, owner, nil); err != nil {
		t.Fatalf("owner operations take no transaction: %v", err)
	}
	if err := policy.Authorize(OpDeposit, owner, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("transaction-scoped roles must fail without a transaction, got %v", err)
	}
}

func TestAuthorizeUnknownOperation(t *testing.T) {
	policy := NewPolicy(newTestAddress(0xCC))
	if err := policy.Authorize(Operation(99), newTestAddress(0x01), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown operations must be refused, got %v", err)
	}
}

func TestOperationNames(t *testing.T) {
	names := map[Operation]string{
		OpDeposit:         "deposit",
		OpConfirmDelivery: "confirm_delivery",
		OpRaiseDispute:    "raise_dispute",
		OpResolveDispute:  "resolve_dispute",
		OpSetFeeRate:      "set_fee_rate",
		OpVaultBalance:    "vault_balance",
	}
	for op, want := range names {
		if op.String() != want {
			t.Fatalf("expected %q, got %q", want, op.String())
		}
	}
	if Operation(99).String() != "unknown" {
		t.Fatalf("out-of-range operation must stringify as unknown")
	}
}
