package backup

import (
	"sort"

	"gamewarden/internal/config"
)

func tierCount(policy config.RetentionPolicy, t Tier) int {
	switch t {
	case TierDaily:
		return policy.Daily
	case TierWeekly:
		return policy.Weekly
	case TierMonthly:
		return policy.Monthly
	case TierManual:
		return policy.Manual
	default:
		return 0
	}
}

// planSweep decides which records the retention sweep deletes. records must
// be sorted oldest first. For each tier independently the newest N tagged
// records are needed; a record is deleted only once no tier needs it. The
// newest record overall is always kept, and a global MaxTotal cap trims the
// oldest survivors last.
func planSweep(records []*Record, policy config.RetentionPolicy) (keep, del []*Record) {
	if len(records) == 0 {
		return nil, nil
	}

	needed := make(map[*Record]bool, len(records))
	newest := records[len(records)-1]
	needed[newest] = true

	for _, tier := range Tiers() {
		count := tierCount(policy, tier)
		if count <= 0 {
			continue
		}
		var tagged []*Record
		for _, rec := range records {
			if rec.HasTier(tier) {
				tagged = append(tagged, rec)
			}
		}
		// Newest N of the tier survive; the oldest surplus is released.
		start := len(tagged) - count
		if start < 0 {
			start = 0
		}
		for _, rec := range tagged[start:] {
			needed[rec] = true
		}
	}

	for _, rec := range records {
		if needed[rec] {
			keep = append(keep, rec)
		} else {
			del = append(del, rec)
		}
	}

	// Global cap after per-tier sweeps, oldest-overall first. The newest
	// record is exempt so a completed backup is never reaped immediately.
	if policy.MaxTotal > 0 {
		for len(keep) > policy.MaxTotal {
			victim := keep[0]
			if victim == newest {
				break
			}
			del = append(del, victim)
			keep = keep[1:]
		}
	}

	sort.Slice(del, func(i, j int) bool {
		return del[i].CreatedAt.Before(del[j].CreatedAt)
	})
	return keep, del
}
