// Package message defines the payloads exchanged between the dispatcher, the game
// servers it tracks, and the join front-end.
//
// LoadReport and PlayerEvent travel inside protocol frames on a backend link and are
// serialized by the codec layer. JoinRequest and Assignment never leave the process:
// the HTTP front-end builds a JoinRequest from query parameters and renders the
// Assignment it gets back.
package message

import "time"

// LoadReport is sent by a game server at a fixed interval.
type LoadReport struct {
	ProtocolVersion int    `json:"protocol_version"` // 1..255
	PlayerCount     int    `json:"player_count"`     // players currently connected
	Capacity        int    `json:"capacity"`         // max players the server accepts
	PublicAddr      string `json:"public_addr,omitempty"`
}

// PlayerEvent names a player the game server admitted or turned away.
//
//   - PlayerConnected confirms a reservation.
//   - PlayerRejected releases it.
type PlayerEvent struct {
	PlayerID string `json:"player_id"`
}

// JoinRequest is the parsed form of one /join call.
type JoinRequest struct {
	Version  int    // client protocol version; 0 means absent
	PlayerID string // opaque player identity, must be a UUID
}

// Assignment is the answer to a successful join.
type Assignment struct {
	BackendID string    `json:"backend"`
	Address   string    `json:"address"` // host:port the client connects to directly
	ExpiresAt time.Time `json:"expires_at"`
	Reused    bool      `json:"reused"` // true when an existing reservation was returned
}
