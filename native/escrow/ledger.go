package escrow

import (
	"fmt"
	"math/big"

	"escrowd/core/types"
)

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// ledgerTx stages account mutations for a single operation. Transfers debit
// and credit in-memory copies only; nothing reaches the state backend until
// the engine hands the staged accounts to ApplyTransfer, which persists them
// together with the transaction record in one atomic write. A failed transfer
// or balance check therefore leaves every account exactly as it was before
// the call.
type ledgerTx struct {
	state    engineState
	accounts map[[20]byte]*types.Account
}

func (e *Engine) beginLedger() *ledgerTx {
	return &ledgerTx{
		state:    e.state,
		accounts: make(map[[20]byte]*types.Account),
	}
}

func (l *ledgerTx) account(addr [20]byte) (*types.Account, error) {
	if acc, ok := l.accounts[addr]; ok {
		return acc, nil
	}
	acc, err := l.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	acc = ensureAccount(acc)
	l.accounts[addr] = acc
	return acc, nil
}

// transfer moves value between staged accounts. A short balance returns
// ErrInsufficientBalance; backend read failures pass through unwrapped so the
// caller can classify them as faults rather than bad arguments.
func (l *ledgerTx) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("negative transfer amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := l.account(from)
	if err != nil {
		return err
	}
	toAcc, err := l.account(to)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	return nil
}
