package core

import (
	"fmt"
	"math/big"
	"sync"

	"escrowd/core/state"
	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

// Node is the host environment for the escrow registry. It owns the state
// manager and the engine, serializes every state-touching operation behind a
// single mutex, and fans emitted events out to log, metrics and RPC
// subscribers. The serialization guarantee is the engine's contract: no
// operation on a transaction begins before the previous one has fully
// committed or fully failed.
type Node struct {
	db      storage.Database
	state   *state.Manager
	engine  *escrow.Engine
	owner   [20]byte
	fanout  *eventFanout
	stateMu sync.Mutex
}

// NewNode wires the registry on top of the given database. The owner address
// is the administrative principal: it collects platform fees, may change the
// fee rate, and may mint dev funds. The initial fee rate only seeds the
// parameter store on first start; an already-stored rate wins.
func NewNode(db storage.Database, owner [20]byte, initialFeeBps uint32) (*Node, error) {
	if owner == ([20]byte{}) {
		return nil, fmt.Errorf("node: owner address required")
	}
	if initialFeeBps > escrow.MaxFeeBps {
		return nil, fmt.Errorf("node: initial fee rate %d exceeds ceiling %d", initialFeeBps, escrow.MaxFeeBps)
	}
	manager := state.NewManager(db)
	if _, ok, err := manager.FeeRateGet(); err != nil {
		return nil, err
	} else if !ok {
		if err := manager.FeeRatePut(initialFeeBps); err != nil {
			return nil, err
		}
	}
	fanout := newEventFanout()
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetOwner(owner)
	engine.SetEmitter(fanout)
	return &Node{
		db:     db,
		state:  manager,
		engine: engine,
		owner:  owner,
		fanout: fanout,
	}, nil
}

// Owner returns the administrative principal address.
func (n *Node) Owner() [20]byte { return n.owner }

// SetNowFunc overrides the engine's time source. Intended for tests.
func (n *Node) SetNowFunc(now func() int64) { n.engine.SetNowFunc(now) }

// SubscribeEvents registers an event listener. The returned cancel function
// must be called to release the subscription. Delivery is fire-and-forget: a
// slow listener drops events rather than blocking state transitions.
func (n *Node) SubscribeEvents(buffer int) (<-chan types.Event, func()) {
	return n.fanout.subscribe(buffer)
}

// EscrowCreate registers a new transaction and returns its identifier. The
// caller becomes the buyer.
func (n *Node) EscrowCreate(buyer, seller, arbitrator [20]byte, description string, nonce uint64) ([32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	tx, err := n.engine.Create(buyer, seller, arbitrator, description, nonce)
	if err != nil {
		return [32]byte{}, err
	}
	return tx.ID, nil
}

// EscrowDeposit funds the transaction from the buyer's account.
func (n *Node) EscrowDeposit(id [32]byte, caller [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Deposit(id, caller, amount)
}

// EscrowConfirmDelivery records the caller's delivery confirmation, settling
// to the seller when both parties have confirmed.
func (n *Node) EscrowConfirmDelivery(id [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.ConfirmDelivery(id, caller)
}

// EscrowRaiseDispute moves the transaction into arbitration.
func (n *Node) EscrowRaiseDispute(id [32]byte, caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.RaiseDispute(id, caller)
}

// EscrowResolveDispute applies the arbitrator's verdict.
func (n *Node) EscrowResolveDispute(id [32]byte, caller [20]byte, toSeller bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.ResolveDispute(id, caller, toSeller)
}

// EscrowGet returns a copy of the transaction record.
func (n *Node) EscrowGet(id [32]byte) (*escrow.Transaction, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Get(id)
}

// EscrowCount returns the total number of transactions created.
func (n *Node) EscrowCount() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Count()
}

// EscrowListByParticipant lists identifiers where the address is buyer or
// seller, in creation order.
func (n *Node) EscrowListByParticipant(addr [20]byte) ([][32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.ListByParticipant(addr)
}

// EscrowVaultBalance reports the custody balance. Owner only.
func (n *Node) EscrowVaultBalance(caller [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.VaultBalance(caller)
}

// FeeRate returns the current platform fee rate in basis points.
func (n *Node) FeeRate() (uint32, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.FeeRate()
}

// SetFeeRate replaces the platform fee rate and returns the previous value.
// Owner only; the ceiling is escrow.MaxFeeBps.
func (n *Node) SetFeeRate(caller [20]byte, rate uint32) (uint32, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.SetFeeRate(caller, rate)
}

// Balance returns the ledger balance of the address.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	if account == nil || account.Balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(account.Balance), nil
}

// Mint credits the address with new value. Owner only; exists so deployments
// can seed buyer balances outside of production ledger integrations.
func (n *Node) Mint(caller, addr [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if caller != n.owner {
		return fmt.Errorf("%w: mint", escrow.ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return escrow.ErrNonPositiveAmount
	}
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	if account == nil {
		account = &types.Account{Balance: big.NewInt(0)}
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return n.state.PutAccount(addr[:], account)
}
