package registry

import (
	"fmt"
	"time"
)

// Status is the connection state of a backend as seen by the dispatcher.
type Status int

const (
	StatusConnecting Status = iota
	StatusLive
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusUnreachable:
		return "unreachable"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BackendServer is one game server's latest known state.
type BackendServer struct {
	ID         string    `json:"id"`       // host:port of the report connection
	Addr       string    `json:"address"`  // host:port handed to clients
	Version    int       `json:"version"`  // 0 until the first report
	Players    int       `json:"players"`  // as reported, plus confirmed joins since
	Reserved   int       `json:"reserved"` // slots held by unconfirmed reservations
	Capacity   int       `json:"capacity"`
	Status     Status    `json:"status"`
	LastReport time.Time `json:"last_report"`
	Stale      bool      `json:"stale"`
}

// Load is the number of slots in use, counting pending reservations.
func (b BackendServer) Load() int { return b.Players + b.Reserved }

// Free is the number of slots a new reservation could still take.
func (b BackendServer) Free() int {
	if free := b.Capacity - b.Load(); free > 0 {
		return free
	}
	return 0
}

// Selectable reports whether the backend may receive new players.
func (b BackendServer) Selectable() bool {
	return b.Status == StatusLive && !b.Stale
}
