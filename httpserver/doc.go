// Package httpserver implements the local control channel workloads
// use to talk to their host: identity reporting, certificate issuance,
// billing state and log access, authenticated by per-container bearer
// tokens. It also serves health, drain and metrics endpoints.
package httpserver
