package types

import "time"

// Principal is one entry of the principal registry.
type Principal struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"display_name"`
	Tier        Tier      `json:"tier"`
	AddedAt     time.Time `json:"added_at"`
	AddedBy     string    `json:"added_by,omitempty"`
}

// Participant is a live member of a channel as reported by the transport.
type Participant struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
}

// StrangerEntry is a cached stranger-gate decision for one group.
type StrangerEntry struct {
	GroupID      string    `json:"group_id"`
	HasStrangers bool      `json:"has_strangers"`
	Strangers    []string  `json:"strangers,omitempty"`
	LastChecked  time.Time `json:"last_checked"`
	Snapshot     []string  `json:"snapshot"`
}
