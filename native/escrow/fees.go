package escrow

import "math/big"

const (
	// MaxFeeBps is the ceiling for the platform fee rate: 1000 basis points,
	// i.e. 10%.
	MaxFeeBps uint32 = 1000

	bpsDenominator = 10_000
)

// ComputeSplit divides a gross deposit into the platform fee and the seller
// net using integer arithmetic: fee = gross*rate/10000 rounded down, net is
// the remainder. The fee is clamped so it can never exceed the gross amount.
// The result is fixed on the transaction at deposit time; later rate changes
// never alter it.
func ComputeSplit(gross *big.Int, rateBps uint32) (fee, net *big.Int) {
	total := cloneBigInt(gross)
	if total.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	fee = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(rateBps)))
	fee.Div(fee, big.NewInt(bpsDenominator))
	if fee.Cmp(total) > 0 {
		fee = new(big.Int).Set(total)
	}
	net = new(big.Int).Sub(total, fee)
	return fee, net
}
