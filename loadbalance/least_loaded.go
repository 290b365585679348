package loadbalance

import (
	"cmp"
	"fmt"
	"math/bits"

	"game-dispatcher/apperr"
	"game-dispatcher/registry"
)

// LeastLoaded sends players to the backend with the lowest load/capacity ratio.
//
// Ties go to the lower absolute load, then to the lower identity, so identical
// snapshots always yield identical picks.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least_loaded" }

func (LeastLoaded) Pick(servers []registry.BackendServer, version int) (string, error) {
	var best *registry.BackendServer
	versionKnown := false

	for i := range servers {
		s := &servers[i]
		if s.Version == version {
			versionKnown = true
		}
		if !s.Selectable() || s.Version != version || s.Load() >= s.Capacity {
			continue
		}
		if best == nil || less(s, best) {
			best = s
		}
	}

	if best != nil {
		return best.ID, nil
	}
	if !versionKnown && anyReported(servers) {
		return "", apperr.VersionMismatch(version)
	}
	return "", apperr.NoCapacity(fmt.Sprintf("no live backend with a free slot for version %d", version))
}

// less orders by load/capacity without floating point: a/b < c/d ⇔ a·d < c·b.
// Products are taken at 128 bits. Callers only pass entries with 0 <= load < capacity.
func less(a, b *registry.BackendServer) bool {
	if c := cmpMul(a.Load(), b.Capacity, b.Load(), a.Capacity); c != 0 {
		return c < 0
	}
	if a.Load() != b.Load() {
		return a.Load() < b.Load()
	}
	return a.ID < b.ID
}

// cmpMul compares x1·y1 with x2·y2 for non-negative operands.
func cmpMul(x1, y1, x2, y2 int) int {
	hi1, lo1 := bits.Mul64(uint64(x1), uint64(y1))
	hi2, lo2 := bits.Mul64(uint64(x2), uint64(y2))
	if hi1 != hi2 {
		return cmp.Compare(hi1, hi2)
	}
	return cmp.Compare(lo1, lo2)
}

// anyReported is true when at least one backend has told us its version.
func anyReported(servers []registry.BackendServer) bool {
	for _, s := range servers {
		if s.Version != 0 {
			return true
		}
	}
	return false
}
