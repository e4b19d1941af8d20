// Command enclaved runs the enclaved application host daemon: it
// reconciles builtin workloads, listens for encrypted launch requests
// on the configured relays, meters and bills hosted containers, and
// serves the local control channel for workloads.
package main
