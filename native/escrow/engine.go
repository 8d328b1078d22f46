package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilOwner = errors.New("escrow engine: owner principal not configured")
)

// engineState is the host-provided backend the engine runs against: durable
// transaction records, the participant index, the fee parameter, and the
// account ledger holding custody balances. Implementations must apply each
// call atomically; the engine never issues a write before every guard and
// balance check has passed. ApplyTransfer carries the strongest contract: the
// record and every staged account land together or not at all, so a backend
// failure can strand a settlement but never half-apply it.
type engineState interface {
	EscrowPut(*Transaction) error
	EscrowGet(id [32]byte) (*Transaction, bool)
	EscrowCount() (uint64, error)
	EscrowSetCount(uint64) error
	ParticipantIndexAppend(addr [20]byte, id [32]byte) error
	ParticipantIndexList(addr [20]byte) ([][32]byte, error)
	FeeRateGet() (uint32, bool, error)
	FeeRatePut(uint32) error
	VaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	ApplyTransfer(tx *Transaction, accounts map[[20]byte]*types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns the escrow state machine and custody-transfer logic. Guards run
// in a fixed order on every operation: existence, then status, then role, then
// argument validation. A failed guard or transfer leaves the transaction and
// every account untouched.
//
// The engine performs no locking of its own; the host serializes operations
// so that no call on a transaction begins before the previous one has fully
// committed or fully failed.
type Engine struct {
	state   engineState
	emitter events.Emitter
	policy  Policy
	owner   [20]byte
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOwner configures the administrative principal. The owner collects
// platform fees and is the only caller allowed to change the fee rate or read
// the vault balance.
func (e *Engine) SetOwner(addr [20]byte) {
	e.owner = addr
	e.policy = NewPolicy(addr)
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ensureOwnerConfigured() error {
	if e == nil || e.owner == ([20]byte{}) {
		return errNilOwner
	}
	return nil
}

func (e *Engine) loadTransaction(id [32]byte) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	tx, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (e *Engine) storeTransaction(tx *Transaction) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(tx)
}

// DeriveID computes the transaction identifier from the three principals and
// the caller-supplied nonce. The derivation is deterministic so an identical
// regenerated identifier is detected as a collision instead of silently
// overwriting an existing record.
func DeriveID(buyer, seller, arbitrator [20]byte, nonce uint64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return ethcrypto.Keccak256Hash(buyer[:], seller[:], arbitrator[:], nonceBytes[:])
}

// Create initialises and persists a new escrow transaction in the
// AwaitingPayment status with zero amounts. The caller becomes the buyer.
// Nonce zero is reserved so an omitted field can never create a record.
func (e *Engine) Create(buyer, seller, arbitrator [20]byte, description string, nonce uint64) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	zero := [20]byte{}
	if buyer == zero || seller == zero || arbitrator == zero {
		return nil, ErrZeroPrincipal
	}
	if buyer == seller || buyer == arbitrator || seller == arbitrator {
		return nil, ErrDuplicatePrincipal
	}
	if nonce == 0 {
		return nil, ErrZeroNonce
	}
	id := DeriveID(buyer, seller, arbitrator, nonce)
	if _, ok := e.state.EscrowGet(id); ok {
		return nil, ErrIDCollision
	}
	tx := &Transaction{
		ID:          id,
		Buyer:       buyer,
		Seller:      seller,
		Arbitrator:  arbitrator,
		GrossAmount: big.NewInt(0),
		NetAmount:   big.NewInt(0),
		FeeAmount:   big.NewInt(0),
		Status:      StatusAwaitingPayment,
		CreatedAt:   e.now(),
		Nonce:       nonce,
		Description: description,
	}
	if err := e.storeTransaction(tx); err != nil {
		return nil, err
	}
	if err := e.state.ParticipantIndexAppend(buyer, id); err != nil {
		return nil, err
	}
	if err := e.state.ParticipantIndexAppend(seller, id); err != nil {
		return nil, err
	}
	count, err := e.state.EscrowCount()
	if err != nil {
		return nil, err
	}
	if err := e.state.EscrowSetCount(count + 1); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(tx))
	return tx.Clone(), nil
}

// Deposit moves the buyer's payment into the module vault and fixes the
// fee/net split using the fee rate current at this moment. Later rate changes
// never touch the recorded split.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, amount *big.Int) error {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusAwaitingPayment {
		return fmt.Errorf("%w: cannot deposit in status %s", ErrInvalidState, tx.Status)
	}
	if err := e.policy.Authorize(OpDeposit, caller, tx); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	rate, err := e.FeeRate()
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	fee, net := ComputeSplit(amount, rate)
	ledger := e.beginLedger()
	if err := ledger.transfer(tx.Buyer, vault, amount); err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	tx.GrossAmount = cloneBigInt(amount)
	tx.FeeAmount = fee
	tx.NetAmount = net
	tx.Status = StatusAwaitingDelivery
	if err := e.state.ApplyTransfer(tx, ledger.accounts); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	e.emit(NewDepositedEvent(tx))
	return nil
}

// ConfirmDelivery sets the caller's confirmation flag. Flags never reset, so
// the call is idempotent per party; a repeat confirmation neither mutates
// state nor re-triggers settlement. Once both flags are set the release
// settlement runs atomically within this operation.
func (e *Engine) ConfirmDelivery(id [32]byte, caller [20]byte) error {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusAwaitingDelivery {
		return fmt.Errorf("%w: cannot confirm delivery in status %s", ErrInvalidState, tx.Status)
	}
	if err := e.policy.Authorize(OpConfirmDelivery, caller, tx); err != nil {
		return err
	}
	switch caller {
	case tx.Buyer:
		if tx.BuyerConfirmed {
			return nil
		}
		tx.BuyerConfirmed = true
	case tx.Seller:
		if tx.SellerConfirmed {
			return nil
		}
		tx.SellerConfirmed = true
	}
	if tx.BuyerConfirmed && tx.SellerConfirmed {
		if err := e.settleRelease(tx); err != nil {
			return err
		}
		e.emit(NewDeliveryConfirmedEvent(tx, caller))
		e.emit(NewReleasedEvent(tx))
		return nil
	}
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewDeliveryConfirmedEvent(tx, caller))
	return nil
}

// RaiseDispute moves a funded transaction into arbitration. Only the buyer or
// the seller may raise a dispute, and only while delivery is pending.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte) error {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusAwaitingDelivery {
		return fmt.Errorf("%w: cannot raise dispute in status %s", ErrInvalidState, tx.Status)
	}
	if err := e.policy.Authorize(OpRaiseDispute, caller, tx); err != nil {
		return err
	}
	tx.Status = StatusDisputed
	if err := e.storeTransaction(tx); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(tx, caller))
	return nil
}

// ResolveDispute settles a disputed transaction according to the arbitrator's
// verdict: in favour of the seller the deposit-time fee/net split is paid out,
// otherwise the full gross deposit returns to the buyer.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, toSeller bool) error {
	tx, err := e.loadTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusDisputed {
		return fmt.Errorf("%w: cannot resolve dispute in status %s", ErrInvalidState, tx.Status)
	}
	if err := e.policy.Authorize(OpResolveDispute, caller, tx); err != nil {
		return err
	}
	if toSeller {
		if err := e.settleRelease(tx); err != nil {
			return err
		}
		e.emit(NewDisputeResolvedEvent(tx, "release"))
		e.emit(NewReleasedEvent(tx))
		return nil
	}
	if err := e.settleRefund(tx); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(tx, "refund"))
	e.emit(NewRefundedEvent(tx))
	return nil
}

// settleRelease pays the recorded net amount to the seller and the recorded
// fee to the owner, then marks the transaction Complete. The transfers and
// the status change persist as one atomic write; any failure aborts without
// mutation.
func (e *Engine) settleRelease(tx *Transaction) error {
	if err := e.ensureOwnerConfigured(); err != nil {
		return err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	ledger := e.beginLedger()
	if tx.NetAmount.Sign() > 0 {
		if err := ledger.transfer(vault, tx.Seller, tx.NetAmount); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}
	if tx.FeeAmount.Sign() > 0 {
		if err := ledger.transfer(vault, e.owner, tx.FeeAmount); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}
	tx.Status = StatusComplete
	tx.CompletedAt = e.now()
	if err := e.state.ApplyTransfer(tx, ledger.accounts); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	return nil
}

// settleRefund returns the full gross deposit to the buyer and marks the
// transaction Refunded. Same atomicity contract as settleRelease.
func (e *Engine) settleRefund(tx *Transaction) error {
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	ledger := e.beginLedger()
	if tx.GrossAmount.Sign() > 0 {
		if err := ledger.transfer(vault, tx.Buyer, tx.GrossAmount); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}
	tx.Status = StatusRefunded
	tx.CompletedAt = e.now()
	if err := e.state.ApplyTransfer(tx, ledger.accounts); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	return nil
}

// Get returns a copy of the transaction with the given identifier.
func (e *Engine) Get(id [32]byte) (*Transaction, error) {
	return e.loadTransaction(id)
}

// Count returns the total number of transactions ever created. Identifiers
// are never reused or removed, so the count only grows.
func (e *Engine) Count() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.EscrowCount()
}

// ListByParticipant returns the identifiers of every transaction where the
// address is the buyer or the seller, in creation order.
func (e *Engine) ListByParticipant(addr [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ParticipantIndexList(addr)
}

// VaultBalance reports the total value currently held in custody. Restricted
// to the administrative principal.
func (e *Engine) VaultBalance(caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.policy.Authorize(OpVaultBalance, caller, nil); err != nil {
		return nil, err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return nil, err
	}
	account, err := e.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(account).Balance), nil
}

// FeeRate returns the current platform fee rate in basis points.
func (e *Engine) FeeRate() (uint32, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	rate, ok, err := e.state.FeeRateGet()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return rate, nil
}

// SetFeeRate atomically replaces the platform fee rate and returns the
// previous value. Restricted to the administrative principal; rates above
// MaxFeeBps are rejected and leave the current rate unchanged. The new rate
// applies only to future deposits.
func (e *Engine) SetFeeRate(caller [20]byte, newRate uint32) (uint32, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := e.policy.Authorize(OpSetFeeRate, caller, nil); err != nil {
		return 0, err
	}
	if newRate > MaxFeeBps {
		return 0, ErrFeeRateTooHigh
	}
	previous, err := e.FeeRate()
	if err != nil {
		return 0, err
	}
	if err := e.state.FeeRatePut(newRate); err != nil {
		return 0, err
	}
	e.emit(NewFeeUpdatedEvent(previous, newRate))
	return previous, nil
}
