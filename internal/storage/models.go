package storage

import "time"

// Bucket names for the bbolt database.
const (
	BackupsBucket  = "backups"
	RestartsBucket = "restarts"
	MetaBucket     = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// BackupEntry mirrors a completed backup into persistent history. The backup
// root's directory listing stays authoritative for retention; this history
// survives sweeps and supports operator inspection.
type BackupEntry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Tiers      []string  `json:"tiers,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum,omitempty"`
	Compressed bool      `json:"compressed"`
	DeletedAt  time.Time `json:"deleted_at,omitempty"`
}

// RestartEntry records one supervisor restart.
type RestartEntry struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
