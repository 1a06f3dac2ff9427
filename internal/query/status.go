// Package query talks to the supervised game server over two alternative
// status/control protocols and normalizes results into a single status type.
// The HTTP query API is the primary protocol; an authenticated text console
// over TCP is the fallback.
package query

import "time"

// ProtocolSource identifies which protocol produced a status sample.
type ProtocolSource string

const (
	SourcePrimary  ProtocolSource = "primary"  // HTTP query API
	SourceFallback ProtocolSource = "fallback" // text console
	SourceNone     ProtocolSource = "none"     // server unreachable
)

// ServerStatus is an immutable point-in-time view of the game server as seen
// over the query protocols. Consumers never mutate it.
type ServerStatus struct {
	Reachable   bool           `json:"reachable"`
	Source      ProtocolSource `json:"source"`
	PlayerCount int            `json:"player_count"`
	PlayerNames []string       `json:"player_names,omitempty"`
	LatencyMS   float64        `json:"latency_ms"`
	SampledAt   time.Time      `json:"sampled_at"`
}

// Player is one connected player as reported by the server.
type Player struct {
	Name      string  `json:"name"`
	AccountID string  `json:"accountName,omitempty"`
	UserID    string  `json:"userId,omitempty"`
	Level     int     `json:"level,omitempty"`
	Ping      float64 `json:"ping,omitempty"`
}

// ServerInfo is the primary protocol's /info payload.
type ServerInfo struct {
	Version     string `json:"version"`
	ServerName  string `json:"servername"`
	Description string `json:"description,omitempty"`
}

func unreachable(at time.Time) *ServerStatus {
	return &ServerStatus{
		Reachable: false,
		Source:    SourceNone,
		SampledAt: at,
	}
}
