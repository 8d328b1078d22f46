package rpc

import (
	"net/http"
)

type feesSetRateParams struct {
	Caller  string `json:"caller"`
	RateBps uint32 `json:"rateBps"`
}

type feesRateResult struct {
	RateBps uint32 `json:"rateBps"`
}

type feesSetRateResult struct {
	PreviousBps uint32 `json:"previousBps"`
	CurrentBps  uint32 `json:"currentBps"`
}

func (s *Server) handleFeesSetRate(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "error"
	}
	var params feesSetRateParams
	if !decodeParams(w, req, &params) {
		return "error"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return "error"
	}
	previous, err := s.node.SetFeeRate(caller, params.RateBps)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, feesSetRateResult{PreviousBps: previous, CurrentBps: params.RateBps})
	return "ok"
}

func (s *Server) handleFeesGetRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) string {
	rate, err := s.node.FeeRate()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, feesRateResult{RateBps: rate})
	return "ok"
}
