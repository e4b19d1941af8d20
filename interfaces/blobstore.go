package interfaces

import "context"

// ArchiveLocation is a URI describing where archived envelopes live,
// e.g. file:///var/lib/enclaved/archive or s3://bucket/prefix?region=us-east-1.
type ArchiveLocation string

// ArchiveStore persists signed envelopes so announcements and attestation
// bundles survive relay retention limits. Envelopes are keyed by their id.
type ArchiveStore interface {
	// Put stores the serialized envelope under its id. Overwrites are
	// harmless since envelope ids commit to the content.
	Put(ctx context.Context, id string, data []byte) error

	// Get retrieves a previously archived envelope by id.
	// Returns ErrArchiveNotFound if the id has never been stored.
	Get(ctx context.Context, id string) ([]byte, error)

	// Available reports whether the backend is currently reachable.
	Available(ctx context.Context) bool

	// Name returns a short identifier for logging.
	Name() string
}
