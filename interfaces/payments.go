package interfaces

import "context"

// PaymentClient is a per-keypair client to the metered-payment
// protocol. Implementations must return an error satisfying
// errors.Is(err, ErrInsufficientBalance) for the definitive
// insufficient-balance failure; any other error is treated as transient
// by callers.
type PaymentClient interface {
	GetBalance(ctx context.Context) (int64, error)
	MakeInvoice(ctx context.Context, amountMsat int64, description string) (*Invoice, error)
	PayInvoice(ctx context.Context, invoice string) error
	LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error)

	// AuthorizePubkey registers another keypair with the wallet so it may
	// hold its own sub-balance. Called from the service's own client when
	// a new container is admitted.
	AuthorizePubkey(ctx context.Context, pubkey Pubkey) error

	Close() error
}

// PaymentNotification is delivered when the wallet reports a settled
// transaction involving the given pubkey.
type PaymentNotification struct {
	Pubkey Pubkey
}

// PaymentClientFactory creates and caches payment clients per keypair.
// ClientFor must be effectively atomic per key: concurrent calls for the
// same keypair observe a single shared client.
type PaymentClientFactory interface {
	ClientFor(seckey []byte) (PaymentClient, error)
	Close() error
}
