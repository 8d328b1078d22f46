package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

// Manager persists registry state in a key-value store: transaction records,
// the participant index, the registry count, the fee parameter and account
// balances. Records are sanitised on the way in and deep-copied on the way
// out so callers never alias stored instances.
type Manager struct {
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// storedTransaction is the JSON codec for escrow.Transaction. Fixed-size
// byte fields travel as hex strings, amounts as decimal strings.
type storedTransaction struct {
	ID              string `json:"id"`
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller"`
	Arbitrator      string `json:"arbitrator"`
	GrossAmount     string `json:"grossAmount"`
	NetAmount       string `json:"netAmount"`
	FeeAmount       string `json:"feeAmount"`
	Status          uint8  `json:"status"`
	BuyerConfirmed  bool   `json:"buyerConfirmed"`
	SellerConfirmed bool   `json:"sellerConfirmed"`
	CreatedAt       int64  `json:"createdAt"`
	CompletedAt     int64  `json:"completedAt,omitempty"`
	Nonce           uint64 `json:"nonce"`
	Description     string `json:"description,omitempty"`
}

func encodeTransaction(tx *escrow.Transaction) ([]byte, error) {
	stored := storedTransaction{
		ID:              hex.EncodeToString(tx.ID[:]),
		Buyer:           hex.EncodeToString(tx.Buyer[:]),
		Seller:          hex.EncodeToString(tx.Seller[:]),
		Arbitrator:      hex.EncodeToString(tx.Arbitrator[:]),
		GrossAmount:     tx.GrossAmount.String(),
		NetAmount:       tx.NetAmount.String(),
		FeeAmount:       tx.FeeAmount.String(),
		Status:          uint8(tx.Status),
		BuyerConfirmed:  tx.BuyerConfirmed,
		SellerConfirmed: tx.SellerConfirmed,
		CreatedAt:       tx.CreatedAt,
		CompletedAt:     tx.CompletedAt,
		Nonce:           tx.Nonce,
		Description:     tx.Description,
	}
	return json.Marshal(stored)
}

func decodeTransaction(raw []byte) (*escrow.Transaction, error) {
	var stored storedTransaction
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	tx := &escrow.Transaction{
		Status:          escrow.Status(stored.Status),
		BuyerConfirmed:  stored.BuyerConfirmed,
		SellerConfirmed: stored.SellerConfirmed,
		CreatedAt:       stored.CreatedAt,
		CompletedAt:     stored.CompletedAt,
		Nonce:           stored.Nonce,
		Description:     stored.Description,
	}
	if err := decodeFixed(stored.ID, tx.ID[:]); err != nil {
		return nil, fmt.Errorf("decode transaction id: %w", err)
	}
	if err := decodeFixed(stored.Buyer, tx.Buyer[:]); err != nil {
		return nil, fmt.Errorf("decode buyer: %w", err)
	}
	if err := decodeFixed(stored.Seller, tx.Seller[:]); err != nil {
		return nil, fmt.Errorf("decode seller: %w", err)
	}
	if err := decodeFixed(stored.Arbitrator, tx.Arbitrator[:]); err != nil {
		return nil, fmt.Errorf("decode arbitrator: %w", err)
	}
	var err error
	if tx.GrossAmount, err = decodeAmount(stored.GrossAmount); err != nil {
		return nil, fmt.Errorf("decode gross amount: %w", err)
	}
	if tx.NetAmount, err = decodeAmount(stored.NetAmount); err != nil {
		return nil, fmt.Errorf("decode net amount: %w", err)
	}
	if tx.FeeAmount, err = decodeAmount(stored.FeeAmount); err != nil {
		return nil, fmt.Errorf("decode fee amount: %w", err)
	}
	return tx, nil
}

func decodeFixed(value string, out []byte) error {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("expected %d bytes, got %d", len(out), len(raw))
	}
	copy(out, raw)
	return nil
}

func decodeAmount(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// EscrowPut sanitises and persists a transaction record.
func (m *Manager) EscrowPut(tx *escrow.Transaction) error {
	sanitized, err := escrow.SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	raw, err := encodeTransaction(sanitized)
	if err != nil {
		return err
	}
	return m.db.Put(escrowTxKey(sanitized.ID), raw)
}

// EscrowGet loads the transaction with the given identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Transaction, bool) {
	ok, err := m.db.Has(escrowTxKey(id))
	if err != nil || !ok {
		return nil, false
	}
	raw, err := m.db.Get(escrowTxKey(id))
	if err != nil {
		return nil, false
	}
	tx, err := decodeTransaction(raw)
	if err != nil {
		return nil, false
	}
	return tx, true
}

// EscrowCount returns the number of transactions ever created.
func (m *Manager) EscrowCount() (uint64, error) {
	ok, err := m.db.Has(escrowCountKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	raw, err := m.db.Get(escrowCountKey)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("malformed escrow count record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// EscrowSetCount stores the registry count.
func (m *Manager) EscrowSetCount(count uint64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], count)
	return m.db.Put(escrowCountKey, raw[:])
}

// ParticipantIndexAppend records that the address takes part in the
// transaction. The index is maintained incrementally on create so the
// participant query never scans the whole registry.
func (m *Manager) ParticipantIndexAppend(addr [20]byte, id [32]byte) error {
	ids, err := m.participantIndex(addr)
	if err != nil {
		return err
	}
	ids = append(ids, hex.EncodeToString(id[:]))
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.db.Put(participantKey(addr), raw)
}

// ParticipantIndexList returns the transaction identifiers associated with
// the address, in creation order.
func (m *Manager) ParticipantIndexList(addr [20]byte) ([][32]byte, error) {
	ids, err := m.participantIndex(addr)
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(ids))
	for _, entry := range ids {
		var id [32]byte
		if err := decodeFixed(entry, id[:]); err != nil {
			return nil, fmt.Errorf("decode participant index entry: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *Manager) participantIndex(addr [20]byte) ([]string, error) {
	ok, err := m.db.Has(participantKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	raw, err := m.db.Get(participantKey(addr))
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// FeeRateGet returns the stored fee rate in basis points and whether a rate
// has been set at all.
func (m *Manager) FeeRateGet() (uint32, bool, error) {
	ok, err := m.db.Has(feeRateKey)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	raw, err := m.db.Get(feeRateKey)
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("malformed fee rate record")
	}
	return binary.BigEndian.Uint32(raw), true, nil
}

// FeeRatePut stores the fee rate in basis points.
func (m *Manager) FeeRatePut(rate uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], rate)
	return m.db.Put(feeRateKey, raw[:])
}

// VaultAddress returns the module custody address. The address is derived
// from a fixed label so no key material exists for it; funds only move out
// through settlement.
func (m *Manager) VaultAddress() ([20]byte, error) {
	var out [20]byte
	digest := ethcrypto.Keccak256([]byte("escrow/module-vault"))
	copy(out[:], digest[12:])
	return out, nil
}

// GetAccount loads the account for the address, or nil when the account has
// never been written.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	ok, err := m.db.Has(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	raw, err := m.db.Get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	account := new(types.Account)
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// PutAccount persists the account for the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), raw)
}

// ApplyTransfer persists the transaction record and the staged account
// balances in a single atomic batch. A fund movement and the status change it
// belongs to either both land or neither does; a partial settlement can never
// reach the store.
func (m *Manager) ApplyTransfer(tx *escrow.Transaction, accounts map[[20]byte]*types.Account) error {
	sanitized, err := escrow.SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	raw, err := encodeTransaction(sanitized)
	if err != nil {
		return err
	}
	batch := storage.NewBatch()
	batch.Put(escrowTxKey(sanitized.ID), raw)
	for addr, account := range accounts {
		if account == nil {
			return fmt.Errorf("nil account for %x", addr[:])
		}
		accRaw, err := json.Marshal(account)
		if err != nil {
			return err
		}
		batch.Put(accountKey(addr[:]), accRaw)
	}
	return m.db.Write(batch)
}
