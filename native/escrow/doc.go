// Package escrow implements a trustless three-party escrow registry: a buyer
// deposits value, the seller receives it once both parties confirm delivery,
// and a designated arbitrator resolves disputes in full toward either side.
//
// Each transaction is an independent state machine. The initial status is
// AwaitingPayment; Complete and Refunded are terminal. The platform fee is
// split off at deposit time using the rate then in force and recorded on the
// transaction permanently.
package escrow
