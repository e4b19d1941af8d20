// Package enclave implements the container lifecycle and metering
// orchestrator: the container state machine (waiting, deployed,
// paused), the uptime and charge loops, the upgrade checker, and the
// request surface exposed over the broadcast transport and the local
// control channel.
//
// The orchestrator reconciles four independently failing subsystems
// (payment rail, container runtime, attestation device, broadcast
// transport) into consistent on-disk state. Background loops iterate a
// shared container map; every record mutation is narrow and persisted
// immediately, so a loop observing a stale in-memory value is corrected
// on its next read or write.
package enclave
