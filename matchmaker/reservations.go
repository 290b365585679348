package matchmaker

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Reservation is a tentative slot held for one player on one backend.
type Reservation struct {
	PlayerID  string
	BackendID string
	Address   string
	ExpiresAt time.Time
}

func (r Reservation) expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

type shard struct {
	mu    sync.Mutex
	items map[string]Reservation // player id → reservation
}

// reservationTable spreads players over independently locked shards, so joins
// for different players rarely contend.
type reservationTable struct {
	shards [shardCount]*shard
}

func newReservationTable() *reservationTable {
	t := &reservationTable{}
	for i := range t.shards {
		t.shards[i] = &shard{items: make(map[string]Reservation)}
	}
	return t
}

func (t *reservationTable) shardFor(playerID string) *shard {
	return t.shards[xxhash.Sum64String(playerID)%shardCount]
}

// each calls fn for every shard with its lock held.
func (t *reservationTable) each(fn func(s *shard)) {
	for _, s := range t.shards {
		s.mu.Lock()
		fn(s)
		s.mu.Unlock()
	}
}
