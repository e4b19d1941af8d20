package interfaces

import "errors"

// Error taxonomy. Request handlers map these onto reply envelopes;
// background loops use errors.Is against them to pick between retry and
// state transitions. Anything not listed here is treated as transient.
var (
	// ErrRetryLater is returned by launch before startup reconciliation
	// has finished (the wallet identity is not known yet).
	ErrRetryLater = errors.New("retry later")

	// ErrInvalidParams covers missing or malformed request parameters.
	ErrInvalidParams = errors.New("invalid params")

	// ErrCapacityExceeded means total committed units would exceed the
	// configured ceiling.
	ErrCapacityExceeded = errors.New("not enough free units")

	// ErrImageTooLarge means the image's declared layer size exceeds the
	// disk quota implied by the requested units.
	ErrImageTooLarge = errors.New("need more units for this image")

	// ErrInsufficientBalance is the single definitive billing failure.
	// It is never retried; it pauses the container.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrContainerNotFound means no record exists for the given pubkey
	// or name.
	ErrContainerNotFound = errors.New("container not found")

	// ErrInvoiceNotFound means the wallet has no record of the invoice.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrNameTaken means a container with the requested name exists.
	ErrNameTaken = errors.New("container name already in use")

	// ErrWalletNotReady means the builtin wallet has not reported its
	// application identity yet.
	ErrWalletNotReady = errors.New("wallet not ready yet")

	// ErrArchiveNotFound means the archive backend has no envelope
	// stored under the requested id.
	ErrArchiveNotFound = errors.New("envelope not found in archive")

	// ErrInvalidArchiveURI means an archive location could not be parsed
	// or uses an unsupported scheme.
	ErrInvalidArchiveURI = errors.New("invalid archive location URI")
)
