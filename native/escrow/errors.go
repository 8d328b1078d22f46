package escrow

import (
	"errors"
	"fmt"
)

// The five failure kinds surfaced by the registry. Every rejected operation
// returns exactly one of these (possibly wrapped with detail) and leaves all
// transaction fields unchanged.
var (
	ErrNotFound         = errors.New("escrow: transaction not found")
	ErrUnauthorized     = errors.New("escrow: caller not authorized for operation")
	ErrInvalidState     = errors.New("escrow: operation not allowed in current status")
	ErrInvalidArgument  = errors.New("escrow: invalid argument")
	ErrSettlementFailed = errors.New("escrow: settlement transfer failed")
)

// Specific argument failures. Each wraps ErrInvalidArgument so callers can
// classify with errors.Is at either granularity.
var (
	ErrZeroPrincipal       = fmt.Errorf("%w: zero principal identity", ErrInvalidArgument)
	ErrDuplicatePrincipal  = fmt.Errorf("%w: principals must be pairwise distinct", ErrInvalidArgument)
	ErrZeroNonce           = fmt.Errorf("%w: nonce must be positive", ErrInvalidArgument)
	ErrNonPositiveAmount   = fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	ErrFeeRateTooHigh      = fmt.Errorf("%w: fee rate exceeds ceiling", ErrInvalidArgument)
	ErrIDCollision         = fmt.Errorf("%w: identifier already in use", ErrInvalidArgument)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrInvalidArgument)
)
