package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

type escrowCreateParams struct {
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbitrator  string `json:"arbitrator"`
	Description string `json:"description,omitempty"`
	Nonce       uint64 `json:"nonce"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowDepositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type escrowResolveParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

type escrowParticipantParams struct {
	Address string `json:"address"`
}

type escrowCallerParams struct {
	Caller string `json:"caller"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type escrowCountResult struct {
	Count uint64 `json:"count"`
}

type escrowListResult struct {
	IDs []string `json:"ids"`
}

type escrowBalanceResult struct {
	Balance string `json:"balance"`
}

type transactionJSON struct {
	ID              string `json:"id"`
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller"`
	Arbitrator      string `json:"arbitrator"`
	Status          string `json:"status"`
	GrossAmount     string `json:"grossAmount"`
	NetAmount       string `json:"netAmount"`
	FeeAmount       string `json:"feeAmount"`
	BuyerConfirmed  bool   `json:"buyerConfirmed"`
	SellerConfirmed bool   `json:"sellerConfirmed"`
	CreatedAt       int64  `json:"createdAt"`
	CompletedAt     *int64 `json:"completedAt,omitempty"`
	Nonce           uint64 `json:"nonce"`
	Description     string `json:"description,omitempty"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params escrowCreateParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	seller, err := parseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	arbitrator, err := parseAddress(params.Arbitrator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	id, err := s.node.EscrowCreate(buyer, seller, arbitrator, strings.TrimSpace(params.Description), params.Nonce)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, escrowCreateResult{ID: formatID(id)})
	return "ok"
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params escrowDepositParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	id, err := parseID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	if err := s.node.EscrowDeposit(id, caller, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, "ok")
	return "ok"
}

func (s *Server) handleEscrowConfirmDelivery(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	return s.handleEscrowTransition(w, r, req, s.node.EscrowConfirmDelivery)
}

func (s *Server) handleEscrowRaiseDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	return s.handleEscrowTransition(w, r, req, s.node.EscrowRaiseDispute)
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func([32]byte, [20]byte) error) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params escrowActorParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	id, err := parseID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	if err := fn(id, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, "ok")
	return "ok"
}

func (s *Server) handleEscrowResolveDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params escrowResolveParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	id, err := parseID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	outcome := strings.ToLower(strings.TrimSpace(params.Outcome))
	if outcome != "release" && outcome != "refund" {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "outcome must be release or refund")
		return "error"
	}
	if err := s.node.EscrowResolveDispute(id, caller, outcome == "release"); err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, "ok")
	return "ok"
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	var params escrowIDParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	id, err := parseID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	tx, err := s.node.EscrowGet(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, formatTransactionJSON(tx))
	return "ok"
}

func (s *Server) handleEscrowCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	count, err := s.node.EscrowCount()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, escrowCountResult{Count: count})
	return "ok"
}

func (s *Server) handleEscrowListByParticipant(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params escrowParticipantParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	ids, err := s.node.EscrowListByParticipant(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	formatted := make([]string, 0, len(ids))
	for _, id := range ids {
		formatted = append(formatted, formatID(id))
	}
	writeResult(w, req.ID, escrowListResult{IDs: formatted})
	return "ok"
}

func (s *Server) handleEscrowVaultBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params escrowCallerParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	balance, err := s.node.EscrowVaultBalance(caller)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, escrowBalanceResult{Balance: balance.String()})
	return "ok"
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Array(), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseID(id string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func formatID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatTransactionJSON(tx *escrow.Transaction) transactionJSON {
	var completedAt *int64
	if tx.CompletedAt != 0 {
		completed := tx.CompletedAt
		completedAt = &completed
	}
	return transactionJSON{
		ID:              formatID(tx.ID),
		Buyer:           crypto.MustNewAddress(crypto.EscrowPrefix, tx.Buyer[:]).String(),
		Seller:          crypto.MustNewAddress(crypto.EscrowPrefix, tx.Seller[:]).String(),
		Arbitrator:      crypto.MustNewAddress(crypto.EscrowPrefix, tx.Arbitrator[:]).String(),
		Status:          tx.Status.String(),
		GrossAmount:     tx.GrossAmount.String(),
		NetAmount:       tx.NetAmount.String(),
		FeeAmount:       tx.FeeAmount.String(),
		BuyerConfirmed:  tx.BuyerConfirmed,
		SellerConfirmed: tx.SellerConfirmed,
		CreatedAt:       tx.CreatedAt,
		CompletedAt:     completedAt,
		Nonce:           tx.Nonce,
		Description:     tx.Description,
	}
}

// writeEscrowError maps the registry's failure kinds onto HTTP statuses and
// JSON-RPC error codes. NotFound, Unauthorized, InvalidState, InvalidArgument
// and SettlementFailure each get a distinct code so callers can classify
// without string matching.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "invalid_state"
	case errors.Is(err, escrow.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	case errors.Is(err, escrow.ErrSettlementFailed):
		status = http.StatusInternalServerError
		code = codeEscrowSettlement
		message = "settlement_failed"
	}
	writeError(w, status, id, code, message, err.Error())
}
