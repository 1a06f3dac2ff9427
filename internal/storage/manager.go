// Package storage persists restart events and backup history in a bbolt
// database under the data directory. It is never on the hot path of a status
// query, and persistence failures never affect lifecycle decisions.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"gamewarden/internal/backup"
)

const dbFileName = "gamewarden.db"

// Manager provides a unified interface for storage operations.
type Manager struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager opens (creating if necessary) the database under dataDir and
// ensures the bucket layout and schema version.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, dbFileName), 0o644, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BackupsBucket, RestartsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			version := fmt.Sprintf("%d", CurrentSchemaVersion)
			if err := meta.Put([]byte(SchemaVersionKey), []byte(version)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Manager{
		db:     db,
		logger: logger.Named("storage"),
	}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

// SaveBackupRecord mirrors a completed backup into history.
func (m *Manager) SaveBackupRecord(rec *backup.Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return fmt.Errorf("storage is closed")
	}

	entry := BackupEntry{
		Name:       rec.Name,
		Path:       rec.Path,
		CreatedAt:  rec.CreatedAt,
		Tiers:      tierNames(rec.Tiers),
		SizeBytes:  rec.SizeBytes,
		Checksum:   rec.Checksum,
		Compressed: rec.Compressed,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal backup entry: %w", err)
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BackupsBucket))
		if bucket == nil {
			return fmt.Errorf("backups bucket not found")
		}
		return bucket.Put([]byte(rec.Name), data)
	})
}

// DeleteBackupRecord marks a swept backup as deleted. The entry stays in
// history with its deletion time.
func (m *Manager) DeleteBackupRecord(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return fmt.Errorf("storage is closed")
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BackupsBucket))
		if bucket == nil {
			return fmt.Errorf("backups bucket not found")
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return nil
		}
		var entry BackupEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.DeletedAt = time.Now()
		updated, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), updated)
	})
}

// ListBackupHistory returns all known backup entries, oldest first,
// including entries whose files the retention sweep has since deleted.
func (m *Manager) ListBackupHistory() ([]*BackupEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, fmt.Errorf("storage is closed")
	}

	var entries []*BackupEntry
	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BackupsBucket))
		if bucket == nil {
			return fmt.Errorf("backups bucket not found")
		}
		return bucket.ForEach(func(_, v []byte) error {
			var entry BackupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				m.logger.Warn("Skipping corrupt backup entry", zap.Error(err))
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Backup names start with a sortable timestamp, so bucket order is
	// already creation order.
	return entries, nil
}

// RecordRestart appends one restart event. Satisfies the supervisor's
// history sink.
func (m *Manager) RecordRestart(reason string, at time.Time) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return fmt.Errorf("storage is closed")
	}

	entry := RestartEntry{Reason: reason, At: at}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal restart entry: %w", err)
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RestartsBucket))
		if bucket == nil {
			return fmt.Errorf("restarts bucket not found")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

// ListRestartHistory returns the most recent restart events, newest first,
// bounded by limit (0 means all).
func (m *Manager) ListRestartHistory(limit int) ([]*RestartEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, fmt.Errorf("storage is closed")
	}

	var entries []*RestartEntry
	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RestartsBucket))
		if bucket == nil {
			return fmt.Errorf("restarts bucket not found")
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var entry RestartEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				m.logger.Warn("Skipping corrupt restart entry", zap.Error(err))
				continue
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func tierNames(tiers []backup.Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}
