// Package interfaces defines the core types and contracts shared by the
// enclaved host components. It provides the boundary between the
// orchestrator and its independently-failing collaborators (record store,
// payment channel, container runtime, attestation device) without
// implementation details.
package interfaces
