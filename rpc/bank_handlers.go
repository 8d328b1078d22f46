package rpc

import (
	"net/http"
)

type bankBalanceParams struct {
	Address string `json:"address"`
}

type bankMintParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type bankBalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleBankBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	var params bankBalanceParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, bankBalanceResult{Address: params.Address, Balance: balance.String()})
	return "ok"
}

func (s *Server) handleBankMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params bankMintParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	if err := s.node.Mint(caller, addr, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, "ok")
	return "ok"
}
