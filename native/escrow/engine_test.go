package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"escrowd/core/events"
	"escrowd/core/types"
)

type mockState struct {
	escrows  map[[32]byte]*Transaction
	accounts map[[20]byte]*types.Account
	index    map[[20]byte][][32]byte
	count    uint64
	feeRate  uint32
	hasRate  bool
	vault    [20]byte

	applyErr      error
	getAccountErr error
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[[32]byte]*Transaction),
		accounts: make(map[[20]byte]*types.Account),
		index:    make(map[[20]byte][][32]byte),
		vault:    newTestAddress(0xAA),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func cloneAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	clone := &types.Account{Nonce: acc.Nonce, Balance: big.NewInt(0)}
	if acc.Balance != nil {
		clone.Balance = new(big.Int).Set(acc.Balance)
	}
	return clone
}

func (m *mockState) EscrowPut(tx *Transaction) error {
	sanitized, err := SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(id [32]byte) (*Transaction, bool) {
	tx, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return tx.Clone(), true
}

func (m *mockState) EscrowCount() (uint64, error) { return m.count, nil }

func (m *mockState) EscrowSetCount(count uint64) error {
	m.count = count
	return nil
}

func (m *mockState) ParticipantIndexAppend(addr [20]byte, id [32]byte) error {
	m.index[addr] = append(m.index[addr], id)
	return nil
}

func (m *mockState) ParticipantIndexList(addr [20]byte) ([][32]byte, error) {
	out := make([][32]byte, len(m.index[addr]))
	copy(out, m.index[addr])
	return out, nil
}

func (m *mockState) FeeRateGet() (uint32, bool, error) { return m.feeRate, m.hasRate, nil }

func (m *mockState) FeeRatePut(rate uint32) error {
	m.feeRate = rate
	m.hasRate = true
	return nil
}

func (m *mockState) VaultAddress() ([20]byte, error) { return m.vault, nil }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	if m.getAccountErr != nil {
		return nil, m.getAccountErr
	}
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return cloneAccount(acc), nil
	}
	return nil, nil
}

func (m *mockState) ApplyTransfer(tx *Transaction, accounts map[[20]byte]*types.Account) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	sanitized, err := SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	staged := make(map[[20]byte]*types.Account, len(accounts))
	for addr, account := range accounts {
		staged[addr] = cloneAccount(account)
	}
	m.escrows[sanitized.ID] = sanitized.Clone()
	for addr, account := range staged {
		m.accounts[addr] = account
	}
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok && acc.Balance != nil {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

var testOwner = newTestAddress(0xCC)

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetOwner(testOwner)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func mustCreate(t *testing.T, engine *Engine, buyer, seller, arbitrator [20]byte) *Transaction {
	t.Helper()
	tx, err := engine.Create(buyer, seller, arbitrator, "widget order", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tx
}

func setupFunded(t *testing.T, state *mockState, engine *Engine, amount int64) *Transaction {
	t.Helper()
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	arbitrator := newTestAddress(0x03)
	tx := mustCreate(t, engine, buyer, seller, arbitrator)
	state.setBalance(buyer, amount)
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	funded, err := engine.Get(tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return funded
}

func TestCreateRejectsZeroPrincipals(t *testing.T) {
	engine := newTestEngine(newMockState())
	zero := [20]byte{}
	if _, err := engine.Create(zero, newTestAddress(0x02), newTestAddress(0x03), "", 1); !errors.Is(err, ErrZeroPrincipal) {
		t.Fatalf("expected zero principal error, got %v", err)
	}
	if _, err := engine.Create(newTestAddress(0x01), zero, newTestAddress(0x03), "", 1); !errors.Is(err, ErrZeroPrincipal) {
		t.Fatalf("expected zero principal error, got %v", err)
	}
	if _, err := engine.Create(newTestAddress(0x01), newTestAddress(0x02), zero, "", 1); !errors.Is(err, ErrZeroPrincipal) {
		t.Fatalf("expected zero principal error, got %v", err)
	}
}

func TestCreateRejectsDuplicatePrincipals(t *testing.T) {
	engine := newTestEngine(newMockState())
	a := newTestAddress(0x01)
	b := newTestAddress(0x02)
	cases := [][3][20]byte{
		{a, a, b},
		{a, b, a},
		{a, b, b},
	}
	for i, c := range cases {
		if _, err := engine.Create(c[0], c[1], c[2], "", 1); !errors.Is(err, ErrDuplicatePrincipal) {
			t.Fatalf("case %d: expected duplicate principal error, got %v", i, err)
		}
	}
}

func TestCreateRejectsIdentifierCollision(t *testing.T) {
	engine := newTestEngine(newMockState())
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	arbitrator := newTestAddress(0x03)
	mustCreate(t, engine, buyer, seller, arbitrator)
	if _, err := engine.Create(buyer, seller, arbitrator, "different description", 1); !errors.Is(err, ErrIDCollision) {
		t.Fatalf("expected collision error, got %v", err)
	}
	if !errors.Is(ErrIDCollision, ErrInvalidArgument) {
		t.Fatalf("collision must classify as invalid argument")
	}
}

func TestCreateInitialState(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	arbitrator := newTestAddress(0x03)
	tx := mustCreate(t, engine, buyer, seller, arbitrator)

	if tx.Status != StatusAwaitingPayment {
		t.Fatalf("expected awaiting payment, got %s", tx.Status)
	}
	if tx.GrossAmount.Sign() != 0 || tx.NetAmount.Sign() != 0 || tx.FeeAmount.Sign() != 0 {
		t.Fatalf("expected zero amounts at creation")
	}
	if tx.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected creation timestamp: %d", tx.CreatedAt)
	}
	if tx.CompletedAt != 0 {
		t.Fatalf("completedAt must be unset at creation")
	}
	count, err := engine.Count()
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d (%v)", count, err)
	}
	for _, addr := range [][20]byte{buyer, seller} {
		ids, err := engine.ListByParticipant(addr)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) != 1 || ids[0] != tx.ID {
			t.Fatalf("participant index missing transaction for %x", addr[:1])
		}
	}
	ids, err := engine.ListByParticipant(arbitrator)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("arbitrator must not appear in the participant index")
	}
	got := emitter.eventTypes()
	if len(got) != 1 || got[0] != EventTypeCreated {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestDepositSplitsFee(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	if err := state.FeeRatePut(100); err != nil { // 1%
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 1000)

	if tx.Status != StatusAwaitingDelivery {
		t.Fatalf("expected awaiting delivery, got %s", tx.Status)
	}
	if tx.GrossAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected gross: %v", tx.GrossAmount)
	}
	if tx.FeeAmount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected fee: %v", tx.FeeAmount)
	}
	if tx.NetAmount.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("unexpected net: %v", tx.NetAmount)
	}
	if state.balance(tx.Buyer).Sign() != 0 {
		t.Fatalf("buyer should have been debited")
	}
	if state.balance(state.vault).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("vault should hold the full deposit")
	}
}

func TestDepositGuards(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	arbitrator := newTestAddress(0x03)
	tx := mustCreate(t, engine, buyer, seller, arbitrator)
	state.setBalance(buyer, 1000)

	if err := engine.Deposit([32]byte{0xFF}, buyer, big.NewInt(10)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := engine.Deposit(tx.ID, seller, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-buyer deposit: expected unauthorized, got %v", err)
	}
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(0)); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("zero deposit: expected non-positive amount, got %v", err)
	}
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(-5)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative deposit: expected invalid argument, got %v", err)
	}
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(5000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.Status != StatusAwaitingPayment || stored.GrossAmount.Sign() != 0 {
		t.Fatalf("failed deposits must not mutate the transaction")
	}

	if err := engine.Deposit(tx.ID, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(1000)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double deposit: expected invalid state, got %v", err)
	}
}

func TestConfirmDeliveryReleasesOnBothFlags(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	if err := state.FeeRatePut(100); err != nil {
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 1000)
	engine.SetEmitter(emitter)

	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	mid, _ := state.EscrowGet(tx.ID)
	if !mid.BuyerConfirmed || mid.SellerConfirmed {
		t.Fatalf("unexpected confirmation flags: %+v", mid)
	}
	if mid.Status != StatusAwaitingDelivery {
		t.Fatalf("single confirmation must not settle")
	}

	if err := engine.ConfirmDelivery(tx.ID, tx.Seller); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	final, _ := state.EscrowGet(tx.ID)
	if final.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", final.Status)
	}
	if final.CompletedAt != 1_700_000_000 {
		t.Fatalf("completedAt not stamped")
	}
	if state.balance(tx.Seller).Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("seller should receive the net amount, got %v", state.balance(tx.Seller))
	}
	if state.balance(testOwner).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("owner should receive the fee, got %v", state.balance(testOwner))
	}
	if state.balance(state.vault).Sign() != 0 {
		t.Fatalf("vault must be empty after release")
	}
	got := emitter.eventTypes()
	want := []string{EventTypeDeliveryConfirmed, EventTypeDeliveryConfirmed, EventTypeReleased}
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestConfirmDeliveryIdempotentPerCaller(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	tx := setupFunded(t, state, engine, 1000)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	stored, _ := state.EscrowGet(tx.ID)
	if !stored.BuyerConfirmed || stored.SellerConfirmed {
		t.Fatalf("repeat confirmation must not change flags")
	}
	if stored.Status != StatusAwaitingDelivery {
		t.Fatalf("repeat confirmation must not settle")
	}
	if got := emitter.eventTypes(); len(got) != 1 {
		t.Fatalf("repeat confirmation must not emit, got %v", got)
	}
}

func TestConfirmDeliveryGuards(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	arbitrator := newTestAddress(0x03)
	tx := mustCreate(t, engine, buyer, seller, arbitrator)

	if err := engine.ConfirmDelivery(tx.ID, buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm before deposit: expected invalid state, got %v", err)
	}
	state.setBalance(buyer, 1000)
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.ConfirmDelivery(tx.ID, arbitrator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("arbitrator confirm: expected unauthorized, got %v", err)
	}
	if err := engine.ConfirmDelivery(tx.ID, newTestAddress(0x09)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider confirm: expected unauthorized, got %v", err)
	}
}

func TestTerminalStateRejectsFurtherOperations(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	tx := setupFunded(t, state, engine, 1000)
	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if err := engine.ConfirmDelivery(tx.ID, tx.Seller); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}

	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm after complete: expected invalid state, got %v", err)
	}
	if err := engine.RaiseDispute(tx.ID, tx.Buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute after complete: expected invalid state, got %v", err)
	}
	if err := engine.ResolveDispute(tx.ID, tx.Arbitrator, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve after complete: expected invalid state, got %v", err)
	}
	if err := engine.Deposit(tx.ID, tx.Buyer, big.NewInt(1)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("deposit after complete: expected invalid state, got %v", err)
	}
}

func TestRaiseDisputeGuards(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	arbitrator := newTestAddress(0x03)
	tx := mustCreate(t, engine, buyer, seller, arbitrator)

	if err := engine.RaiseDispute(tx.ID, buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute before deposit: expected invalid state, got %v", err)
	}
	state.setBalance(buyer, 1000)
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.RaiseDispute(tx.ID, arbitrator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("arbitrator dispute: expected unauthorized, got %v", err)
	}
	if err := engine.RaiseDispute(tx.ID, seller); err != nil {
		t.Fatalf("seller dispute: %v", err)
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", stored.Status)
	}
	if err := engine.RaiseDispute(tx.ID, buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double dispute: expected invalid state, got %v", err)
	}
}

func TestResolveDisputeRefundReturnsGross(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	if err := state.FeeRatePut(100); err != nil {
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 1000)
	if err := engine.RaiseDispute(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	if err := engine.ResolveDispute(tx.ID, tx.Arbitrator, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", stored.Status)
	}
	if stored.CompletedAt == 0 {
		t.Fatalf("completedAt not stamped")
	}
	// The refund returns net plus fee, the full original deposit.
	if state.balance(tx.Buyer).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer should recover the full gross, got %v", state.balance(tx.Buyer))
	}
	if state.balance(testOwner).Sign() != 0 || state.balance(tx.Seller).Sign() != 0 {
		t.Fatalf("no fee or payout may move on refund")
	}
	got := emitter.eventTypes()
	want := []string{EventTypeDisputeResolved, EventTypeRefunded}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestResolveDisputeReleaseUsesDepositTimeSplit(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	if err := state.FeeRatePut(100); err != nil {
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 1000)
	if err := engine.RaiseDispute(tx.ID, tx.Seller); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	// Raising the platform rate after deposit must not change the recorded split.
	if _, err := engine.SetFeeRate(testOwner, 1000); err != nil {
		t.Fatalf("set fee rate: %v", err)
	}

	if err := engine.ResolveDispute(tx.ID, tx.Arbitrator, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", stored.Status)
	}
	if state.balance(tx.Seller).Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("seller payout must use the deposit-time split, got %v", state.balance(tx.Seller))
	}
	if state.balance(testOwner).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("owner fee must use the deposit-time split, got %v", state.balance(testOwner))
	}
}

func TestResolveDisputeGuards(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	tx := setupFunded(t, state, engine, 1000)

	if err := engine.ResolveDispute(tx.ID, tx.Arbitrator, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve without dispute: expected invalid state, got %v", err)
	}
	if err := engine.RaiseDispute(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	for _, caller := range [][20]byte{tx.Buyer, tx.Seller, newTestAddress(0x09)} {
		if err := engine.ResolveDispute(tx.ID, caller, true); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("non-arbitrator resolve: expected unauthorized, got %v", err)
		}
	}
}

func TestSettlementFailureLeavesTransactionUntouched(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	tx := setupFunded(t, state, engine, 1000)
	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	before, _ := state.EscrowGet(tx.ID)
	vaultBefore := state.balance(state.vault)

	state.applyErr = fmt.Errorf("backend write refused")
	err := engine.ConfirmDelivery(tx.ID, tx.Seller)
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	state.applyErr = nil

	after, _ := state.EscrowGet(tx.ID)
	if after.Status != before.Status || after.SellerConfirmed != before.SellerConfirmed || after.CompletedAt != before.CompletedAt {
		t.Fatalf("failed settlement must leave the transaction untouched: %+v vs %+v", before, after)
	}
	if state.balance(state.vault).Cmp(vaultBefore) != 0 {
		t.Fatalf("failed settlement must not move funds")
	}
	if state.balance(tx.Seller).Sign() != 0 || state.balance(testOwner).Sign() != 0 {
		t.Fatalf("failed settlement must not pay out")
	}

	// The operation remains replayable once the backend recovers.
	if err := engine.ConfirmDelivery(tx.ID, tx.Seller); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	final, _ := state.EscrowGet(tx.ID)
	if final.Status != StatusComplete {
		t.Fatalf("expected complete after retry, got %s", final.Status)
	}
}

func TestFailedReleaseConservesLedgerValue(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	if err := state.FeeRatePut(100); err != nil {
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 1000)
	if err := engine.ConfirmDelivery(tx.ID, tx.Buyer); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}

	state.applyErr = fmt.Errorf("backend write refused")
	if err := engine.ConfirmDelivery(tx.ID, tx.Seller); !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}

	// The vault must still hold the full deposit and no payout may exist
	// anywhere; a half-applied release would destroy custodied value.
	total := new(big.Int)
	for _, addr := range [][20]byte{tx.Buyer, tx.Seller, testOwner, state.vault} {
		total.Add(total, state.balance(addr))
	}
	if total.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("failed release must conserve total ledger value, got %v", total)
	}
	if state.balance(state.vault).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("vault must keep custody after a failed release, got %v", state.balance(state.vault))
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.Status != StatusAwaitingDelivery {
		t.Fatalf("failed release must not change status, got %s", stored.Status)
	}
}

func TestFailedDepositLeavesBuyerFunded(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	tx := mustCreate(t, engine, buyer, newTestAddress(0x02), newTestAddress(0x03))
	state.setBalance(buyer, 1000)

	state.applyErr = fmt.Errorf("backend write refused")
	if err := engine.Deposit(tx.ID, buyer, big.NewInt(1000)); !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	state.applyErr = nil

	if state.balance(buyer).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("failed deposit must not debit the buyer, got %v", state.balance(buyer))
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.Status != StatusAwaitingPayment || stored.GrossAmount.Sign() != 0 {
		t.Fatalf("failed deposit must leave the record unfunded: %+v", stored)
	}

	if err := engine.Deposit(tx.ID, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
}

func TestDepositBackendFaultIsSettlementFailure(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	tx := mustCreate(t, engine, buyer, newTestAddress(0x02), newTestAddress(0x03))
	state.setBalance(buyer, 1000)

	state.getAccountErr = fmt.Errorf("backend read refused")
	err := engine.Deposit(tx.ID, buyer, big.NewInt(100))
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("a backend fault must not classify as an argument error: %v", err)
	}
}

func TestCreateRejectsZeroNonce(t *testing.T) {
	engine := newTestEngine(newMockState())
	_, err := engine.Create(newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03), "", 0)
	if !errors.Is(err, ErrZeroNonce) {
		t.Fatalf("expected zero nonce rejection, got %v", err)
	}
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero nonce must classify as invalid argument")
	}
}

func TestSetFeeRate(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	if _, err := engine.SetFeeRate(newTestAddress(0x01), 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner set rate: expected unauthorized, got %v", err)
	}
	previous, err := engine.SetFeeRate(testOwner, 250)
	if err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if previous != 0 {
		t.Fatalf("expected previous rate 0, got %d", previous)
	}
	if _, err := engine.SetFeeRate(testOwner, MaxFeeBps+1); !errors.Is(err, ErrFeeRateTooHigh) {
		t.Fatalf("expected ceiling rejection, got %v", err)
	}
	rate, err := engine.FeeRate()
	if err != nil || rate != 250 {
		t.Fatalf("rejected update must leave the rate unchanged, got %d (%v)", rate, err)
	}
	previous, err = engine.SetFeeRate(testOwner, MaxFeeBps)
	if err != nil {
		t.Fatalf("set rate at ceiling: %v", err)
	}
	if previous != 250 {
		t.Fatalf("expected previous rate 250, got %d", previous)
	}
	got := emitter.eventTypes()
	if len(got) != 2 || got[0] != EventTypeFeeUpdated || got[1] != EventTypeFeeUpdated {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestFeeRateChangeDoesNotTouchExistingDeposit(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	if err := state.FeeRatePut(100); err != nil {
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 1000)
	if _, err := engine.SetFeeRate(testOwner, 1000); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	stored, _ := state.EscrowGet(tx.ID)
	if stored.FeeAmount.Cmp(big.NewInt(10)) != 0 || stored.NetAmount.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("recorded split must survive rate changes: fee=%v net=%v", stored.FeeAmount, stored.NetAmount)
	}
}

func TestVaultBalanceOwnerOnly(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	tx := setupFunded(t, state, engine, 1000)

	if _, err := engine.VaultBalance(tx.Buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner vault balance: expected unauthorized, got %v", err)
	}
	balance, err := engine.VaultBalance(testOwner)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected vault balance 1000, got %v", balance)
	}
}

func TestGetUnknownTransaction(t *testing.T) {
	engine := newTestEngine(newMockState())
	if _, err := engine.Get([32]byte{0x01}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListByParticipantCreationOrder(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	buyer := newTestAddress(0x01)
	arbitrator := newTestAddress(0x03)
	first, err := engine.Create(buyer, newTestAddress(0x02), arbitrator, "", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := engine.Create(buyer, newTestAddress(0x04), arbitrator, "", 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ids, err := engine.ListByParticipant(buyer)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("expected creation order, got %v", ids)
	}
	count, err := engine.Count()
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d (%v)", count, err)
	}
}

func TestFeeNetSumInvariant(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	if err := state.FeeRatePut(333); err != nil {
		t.Fatalf("seed fee rate: %v", err)
	}
	tx := setupFunded(t, state, engine, 999)
	sum := new(big.Int).Add(tx.FeeAmount, tx.NetAmount)
	if sum.Cmp(tx.GrossAmount) != 0 {
		t.Fatalf("fee %v + net %v != gross %v", tx.FeeAmount, tx.NetAmount, tx.GrossAmount)
	}
}
