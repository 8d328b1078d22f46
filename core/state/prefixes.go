package state

import "encoding/hex"

var (
	escrowTxPrefix    = []byte("escrow/tx/")
	participantPrefix = []byte("escrow/participant/")
	escrowCountKey    = []byte("escrow/count")
	feeRateKey        = []byte("escrow/params/fee-bps")
	accountPrefix     = []byte("account/")
)

func escrowTxKey(id [32]byte) []byte {
	return append(append([]byte(nil), escrowTxPrefix...), hex.EncodeToString(id[:])...)
}

func participantKey(addr [20]byte) []byte {
	return append(append([]byte(nil), participantPrefix...), hex.EncodeToString(addr[:])...)
}

func accountKey(addr []byte) []byte {
	return append(append([]byte(nil), accountPrefix...), hex.EncodeToString(addr)...)
}
