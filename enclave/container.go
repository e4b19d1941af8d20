package enclave

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/signer"
)

// Container wraps one persisted record with its in-memory state: the
// container's own signer, the identity its workload last reported, and
// the transient flags guarding announcements and upgrades.
//
// The mutex serializes record mutations across the background loops.
// Field updates are persisted immediately by the mutating loop, so a
// reader observing a stale value self-corrects on its next pass.
type Container struct {
	mu      sync.Mutex
	rec     *interfaces.ContainerRecord
	sgn     *signer.PrivateKeySigner
	appInfo *interfaces.AppInfo

	// upgrading suppresses charge and pause transitions while an
	// upgrade or rollback attempt owns the container.
	upgrading atomic.Bool

	// announcing is a re-entrancy guard for the async announcement
	// path.
	announcing atomic.Bool
}

// NewContainer builds the in-memory wrapper for a record. The record's
// secret key never leaves the wrapper except into the payment client
// and runtime adapter.
func NewContainer(rec *interfaces.ContainerRecord) (*Container, error) {
	sgn, err := signer.FromSeckey(rec.Seckey)
	if err != nil {
		return nil, err
	}
	return &Container{rec: rec, sgn: sgn}, nil
}

// Pubkey returns the container identity.
func (c *Container) Pubkey() interfaces.Pubkey {
	return c.rec.Pubkey
}

// Signer returns the container's keypair signer.
func (c *Container) Signer() interfaces.Signer {
	return c.sgn
}

// Record returns a copy of the current record. Loops that mutate fields
// must use Locked instead.
func (c *Container) Record() interfaces.ContainerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.rec
}

// Locked runs fn with exclusive access to the live record.
func (c *Container) Locked(fn func(rec *interfaces.ContainerRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.rec)
}

// State returns the current lifecycle state.
func (c *Container) State() interfaces.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.State
}

// SetAppInfo records the identity the workload reported over its
// control channel.
func (c *Container) SetAppInfo(info *interfaces.AppInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appInfo = info
}

// AppInfo returns the last reported workload identity, nil if none.
func (c *Container) AppInfo() *interfaces.AppInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appInfo
}

// Upgrading reports whether an upgrade attempt currently owns the
// container.
func (c *Container) Upgrading() bool {
	return c.upgrading.Load()
}

// BeginUpgrade claims the container for an upgrade attempt. Returns
// false if another attempt is in flight.
func (c *Container) BeginUpgrade() bool {
	return c.upgrading.CompareAndSwap(false, true)
}

// EndUpgrade releases the upgrade claim.
func (c *Container) EndUpgrade() {
	c.upgrading.Store(false)
}
