package interfaces

// ContainerStore is the durable table of container records, keyed
// uniquely by public key and by name. Mutable fields are updated through
// point setters so concurrent loops never rewrite a whole row over each
// other's changes.
type ContainerStore interface {
	// Insert adds a fresh record, failing with ErrNameTaken when the
	// name is already bound. Used by launch admission.
	Insert(rec *ContainerRecord) error

	// Upsert inserts the record or, on a name conflict, updates the
	// mutable configuration fields of the existing row. Used by builtin
	// reconciliation, which keeps an existing row's keypair.
	Upsert(rec *ContainerRecord) error

	ByPubkey(pubkey Pubkey) (*ContainerRecord, error)
	ByName(name string) (*ContainerRecord, error)
	List() ([]*ContainerRecord, error)
	Delete(pubkey Pubkey) error

	SetState(pubkey Pubkey, state ContainerState) error
	SetBalance(pubkey Pubkey, balanceMsat int64) error
	SetUptimeCount(pubkey Pubkey, count int64) error
	SetUptimePaid(pubkey Pubkey, paid int64) error
	SetPaymentHash(pubkey Pubkey, hash string) error
	SetImageRef(pubkey Pubkey, ref string) error

	Close() error
}
