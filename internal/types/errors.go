package types

import "errors"

// Error taxonomy shared by the ledger and its collaborators. Callers match with errors.Is;
// call sites wrap these with the specific reason.
var (
	// ErrValidation rejects bad admin parameters before any state mutation
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance rejects withdrawals above the staked amount
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrScheduleClosed rejects operations that need an open emission schedule
	ErrScheduleClosed = errors.New("emission schedule closed")

	// ErrPrecisionUnderflow signals a negative pending reward, which is an accounting bug
	ErrPrecisionUnderflow = errors.New("precision underflow")

	// ErrOverflow signals a 256-bit arithmetic overflow
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrUnauthorized rejects admin operations from a non-privileged caller
	ErrUnauthorized = errors.New("caller is not authorized")

	// ErrPoolNotFound rejects operations on an unknown pool id
	ErrPoolNotFound = errors.New("pool not found")

	// ErrOracleUnavailable reports a tier-lock oracle failure
	ErrOracleUnavailable = errors.New("tier-lock oracle unavailable")

	// ErrNotMinter reports that the engine does not hold minting authority over the reward token
	ErrNotMinter = errors.New("engine is not the reward token owner")
)
