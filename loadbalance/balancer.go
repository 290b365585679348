// Package loadbalance decides which backend game server receives a joining player.
//
// Selection is a pure function over a registry snapshot: it never reserves
// capacity itself. The caller reserves afterwards, because the chosen backend's
// last slot may be taken by a concurrent join between snapshot and reservation.
package loadbalance

import "game-dispatcher/registry"

// Balancer picks a backend for a requested protocol version.
type Balancer interface {
	// Pick returns the identity of the chosen backend, or an *apperr.Error of
	// kind version_mismatch or no_capacity. Must be goroutine-safe.
	Pick(servers []registry.BackendServer, version int) (string, error)

	// Name returns the strategy name (for logging).
	Name() string
}
