// Package dispatcher implements the main dispatcher: the one
// long-running thread that does not touch records directly. It runs health
// checks on a timer, answers the administrative command subset forwarded to
// it by pkg/worker (PING, CHECK, INFO, STATS, SHUTDOWN, LOADCONFIG, RESTORE,
// STORESAVE, GET, SET, LOG, ROTATE), drives the store-save/store-load
// procedures against pkg/snapshot and pkg/binlog, and centralizes memory
// reclamation across the two optimizers.
//
// Construction is two-phase, the same way pkg/store and pkg/optimizer break
// their own circular dependency: a Dispatcher is built first (so it can be
// handed to both optimizers as their optimizer.DispatcherBackend), then
// SetStores wires in the concrete stores once they exist.
package dispatcher
