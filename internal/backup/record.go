// Package backup snapshots the game-server save directory on a schedule and
// enforces tiered retention. A backup's creation time and tier tags are
// encoded in its name, so retention state is reconstructable from a plain
// directory listing.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Tier is a named retention bucket. A single backup may carry several tier
// tags; it is physically deleted only when no tier still needs it.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierManual  Tier = "manual"
)

// Tiers returns all tiers in sweep order.
func Tiers() []Tier {
	return []Tier{TierDaily, TierWeekly, TierMonthly, TierManual}
}

const (
	stampLayout = "20060102-150405"
	tmpPrefix   = ".tmp-"
	archiveExt  = ".tar.gz"
)

// Record describes one completed backup. Immutable once created; deleted
// only by the retention sweep.
type Record struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Tiers      []Tier    `json:"tiers,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum,omitempty"`
	Compressed bool      `json:"compressed"`
}

// HasTier reports whether the record carries the given tier tag.
func (r *Record) HasTier(t Tier) bool {
	for _, tier := range r.Tiers {
		if tier == t {
			return true
		}
	}
	return false
}

// backupName encodes creation time and tier tags:
//
//	20250601-020000                       (untagged)
//	20250601-020000_daily+weekly         (tagged)
//	20250601-020000_daily.tar.gz         (compressed)
func backupName(createdAt time.Time, tiers []Tier, compressed bool) string {
	name := createdAt.Format(stampLayout)
	if len(tiers) > 0 {
		tags := make([]string, len(tiers))
		for i, t := range tiers {
			tags[i] = string(t)
		}
		name += "_" + strings.Join(tags, "+")
	}
	if compressed {
		name += archiveExt
	}
	return name
}

// parseBackupName reverses backupName. Foreign files in the backup root are
// reported as not-ok and left alone.
func parseBackupName(name string) (createdAt time.Time, tiers []Tier, compressed bool, ok bool) {
	if strings.HasPrefix(name, tmpPrefix) {
		return time.Time{}, nil, false, false
	}

	base := name
	if strings.HasSuffix(base, archiveExt) {
		compressed = true
		base = strings.TrimSuffix(base, archiveExt)
	}

	stamp := base
	if i := strings.IndexByte(base, '_'); i >= 0 {
		stamp = base[:i]
		for _, tag := range strings.Split(base[i+1:], "+") {
			switch Tier(tag) {
			case TierDaily, TierWeekly, TierMonthly, TierManual:
				tiers = append(tiers, Tier(tag))
			default:
				return time.Time{}, nil, false, false
			}
		}
	}

	createdAt, err := time.ParseInLocation(stampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, nil, false, false
	}
	return createdAt, tiers, compressed, true
}

// listRecords reconstructs the record set from the backup root's directory
// listing, oldest first. Temp directories and foreign files are skipped.
func listRecords(root string) ([]*Record, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup root: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		createdAt, tiers, compressed, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}
		rec := &Record{
			Name:       entry.Name(),
			Path:       filepath.Join(root, entry.Name()),
			CreatedAt:  createdAt,
			Tiers:      tiers,
			Compressed: compressed,
		}
		if info, err := entry.Info(); err == nil && !info.IsDir() {
			rec.SizeBytes = info.Size()
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// classify assigns tier tags to a backup created at the given instant:
// the first successful backup of a calendar day is Daily; if it also opens a
// new ISO week or month it additionally carries Weekly or Monthly. Manual
// backups are tagged Manual regardless.
func classify(createdAt time.Time, existing []*Record, manual bool) []Tier {
	if manual {
		return []Tier{TierManual}
	}

	firstOfDay, firstOfWeek, firstOfMonth := true, true, true
	y, m, d := createdAt.Date()
	isoYear, isoWeek := createdAt.ISOWeek()

	for _, rec := range existing {
		// Manual backups do not claim calendar slots.
		if rec.HasTier(TierManual) {
			continue
		}
		ry, rm, rd := rec.CreatedAt.Date()
		if ry == y && rm == m && rd == d {
			firstOfDay = false
		}
		if ry == y && rm == m {
			firstOfMonth = false
		}
		if wy, ww := rec.CreatedAt.ISOWeek(); wy == isoYear && ww == isoWeek {
			firstOfWeek = false
		}
	}

	var tiers []Tier
	if firstOfDay {
		tiers = append(tiers, TierDaily)
	}
	if firstOfWeek {
		tiers = append(tiers, TierWeekly)
	}
	if firstOfMonth {
		tiers = append(tiers, TierMonthly)
	}
	return tiers
}
