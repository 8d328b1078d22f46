package types

import "math/big"

// Account holds the ledger balance for a single principal. Balances are kept
// in base units and never go negative.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Event is a structured notification describing a single state change. The
// attribute map carries the transaction identifier and the parties or amounts
// relevant to the change.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
