package interfaces

// RuntimeEnv classifies the environment the host runs in, derived from
// the attestation measurement registers.
type RuntimeEnv string

const (
	// EnvDebug means measurement register 0 is all zeroes: the enclave
	// was started in debug mode and its attestation proves nothing.
	EnvDebug RuntimeEnv = "debug"
	EnvDev   RuntimeEnv = "dev"
	EnvProd  RuntimeEnv = "prod"
)

// AttestationInfo is a measurement+certificate bundle produced by the
// attestation device, bound to the service public key.
type AttestationInfo struct {
	// Document is the raw signed attestation blob.
	Document []byte
	// Measurements maps register index to register value.
	Measurements map[int][]byte
	// Env is the classified runtime environment.
	Env RuntimeEnv
	// NotAfter is the unix time the attestation document expires, zero
	// if the device did not provide one.
	NotAfter int64
}

// AttestationProvider wraps the hardware attestation device.
type AttestationProvider interface {
	// Attest produces an attestation document binding the given user
	// data (typically the service public key) to the enclave
	// measurements.
	Attest(userData []byte) (*AttestationInfo, error)
}
