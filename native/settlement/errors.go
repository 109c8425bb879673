package settlement

import "errors"

// Every failed precondition surfaces one of these named conditions. The
// operation that returned the error performed no state change.
var (
	// ErrUnauthorized is returned when the caller does not match the
	// identity required for the attempted operation.
	ErrUnauthorized = errors.New("settlement: unauthorized caller")
	// ErrInvalidState is returned when the payment status does not match
	// what the operation requires.
	ErrInvalidState = errors.New("settlement: invalid payment status")
	// ErrNotDueYet is returned when a time-window precondition has not yet
	// elapsed.
	ErrNotDueYet = errors.New("settlement: release time not reached")
	// ErrWindowClosed is returned when a time-window precondition has
	// already expired.
	ErrWindowClosed = errors.New("settlement: dispute window closed")
	// ErrTokenNotSupported is returned when the settlement token is not on
	// the configured allow-list.
	ErrTokenNotSupported = errors.New("settlement: token not supported")
	// ErrTokenCapacity is returned when enabling a token on a full
	// allow-list.
	ErrTokenCapacity = errors.New("settlement: token allow-list full")
	// ErrNotDisputed is returned when a refund is attempted without a prior
	// dispute.
	ErrNotDisputed = errors.New("settlement: payment not disputed")
	// ErrAlreadyDisputed is returned when disputing a payment twice.
	ErrAlreadyDisputed = errors.New("settlement: payment already disputed")
	// ErrNoPendingFees is returned when a fee withdrawal finds a zero
	// accumulator.
	ErrNoPendingFees = errors.New("settlement: no pending platform fees")
	// ErrAlreadyInitialized is returned when the configuration singleton
	// already exists.
	ErrAlreadyInitialized = errors.New("settlement: already initialized")
	// ErrNotInitialized is returned when an operation requires the
	// configuration singleton before it has been created.
	ErrNotInitialized = errors.New("settlement: not initialized")
	// ErrPaymentNotFound is returned when the target payment record does
	// not exist.
	ErrPaymentNotFound = errors.New("settlement: payment not found")
	// ErrInsufficientFunds is returned when a transfer source balance
	// cannot cover the requested amount.
	ErrInsufficientFunds = errors.New("settlement: insufficient balance")
)
