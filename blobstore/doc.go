// Package blobstore provides archive backends for signed envelopes.
//
// Relays keep a bounded window of events; the archive keeps the full
// history of service announcements and attestation bundles so auditors
// can replay them later. Backends are created from location URIs via
// Factory, with local filesystem (file://) and S3-compatible object
// storage (s3://) implementations.
package blobstore
