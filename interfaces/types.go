package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ContainerState is the lifecycle state of a hosted container.
type ContainerState string

const (
	// StateWaiting means the container record exists but the first
	// invoice has not been settled yet. The workload is not running.
	StateWaiting ContainerState = "waiting"

	// StateDeployed means the workload is running and metered.
	StateDeployed ContainerState = "deployed"

	// StatePaused means the workload is stopped because billing could
	// not keep up. Uptime obligations are suspended.
	StatePaused ContainerState = "paused"
)

// Valid reports whether s is one of the three known states.
func (s ContainerState) Valid() bool {
	switch s {
	case StateWaiting, StateDeployed, StatePaused:
		return true
	}
	return false
}

func (s ContainerState) String() string { return string(s) }

// ParseContainerState converts a stored string into a ContainerState.
func ParseContainerState(str string) (ContainerState, error) {
	s := ContainerState(strings.ToLower(str))
	if !s.Valid() {
		return "", fmt.Errorf("unknown container state %q", str)
	}
	return s, nil
}

// Pubkey is a hex-encoded compressed secp256k1 public key identifying a
// container, an admin, or the service itself.
type Pubkey string

// NewPubkey validates and normalizes a hex public key string.
func NewPubkey(s string) (Pubkey, error) {
	clean := strings.ToLower(strings.TrimPrefix(s, "0x"))
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(raw) != 33 {
		return "", errors.New("invalid pubkey length: must be 33 bytes compressed")
	}
	return Pubkey(clean), nil
}

func (p Pubkey) String() string { return string(p) }

// Bytes returns the raw compressed key bytes.
func (p Pubkey) Bytes() ([]byte, error) {
	return hex.DecodeString(string(p))
}

// ContainerRecord is the persisted description of one hosted container.
// The secret key is exclusively owned by the record store and the
// in-memory container wrapping it; it must never appear in any outward
// message or log line.
type ContainerRecord struct {
	ID          int64
	Pubkey      Pubkey
	Seckey      []byte
	Token       string
	AdminPubkey Pubkey
	PortsFrom   int
	Name        string
	ImageRef    string
	Units       int
	IsBuiltin   bool
	Env         map[string]string
	State       ContainerState
	PaymentHash string
	UptimeCount int64
	UptimePaid  int64
	Balance     int64 // msat, last known snapshot
	Upgrade     string
}

// UpgradeAuto is the upgrade policy that enables automatic
// upgrade-checking on a container.
const UpgradeAuto = "auto"

// AutoUpgrade reports whether the container opted into automatic
// upgrades. Builtins never auto-upgrade regardless of the stored policy.
func (r *ContainerRecord) AutoUpgrade() bool {
	return !r.IsBuiltin && r.Upgrade == UpgradeAuto
}

// Owes reports whether the container owes for at least the current
// billing tick.
func (r *ContainerRecord) Owes() bool {
	return r.UptimePaid <= r.UptimeCount
}

// Invoice is a payment-channel invoice as returned by the wallet.
type Invoice struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	AmountMsat  int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

// Invoice settlement states reported by the wallet.
const (
	InvoicePending = "pending"
	InvoiceSettled = "settled"
	InvoiceExpired = "expired"
)

// AppInfo is the identity a workload self-reports over its local
// control channel.
type AppInfo struct {
	Pubkey  Pubkey `json:"pubkey"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ContainerInfo is the read-only projection returned to callers of
// get_container_info.
type ContainerInfo struct {
	Pubkey       Pubkey `json:"pubkey"`
	Balance      int64  `json:"balance"`
	UptimeCount  int64  `json:"uptimeCount"`
	UptimePaid   int64  `json:"uptimePaid"`
	Units        int    `json:"units"`
	PriceMsat    int64  `json:"price"`
	IntervalSec  int64  `json:"interval"`
	WalletPubkey Pubkey `json:"walletPubkey,omitempty"`
	State        string `json:"state"`
}
