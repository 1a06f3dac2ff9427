package backup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamewarden/internal/config"
)

func rec(createdAt time.Time, tiers ...Tier) *Record {
	return &Record{
		Name:      backupName(createdAt, tiers, false),
		CreatedAt: createdAt,
		Tiers:     tiers,
	}
}

func names(records []*Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Name
	}
	return out
}

func TestPlanSweep_KeepsNewestPerTier(t *testing.T) {
	base := time.Date(2025, 6, 1, 2, 0, 0, 0, time.Local)
	var records []*Record
	for day := 0; day < 5; day++ {
		records = append(records, rec(base.AddDate(0, 0, day), TierDaily))
	}

	keep, del := planSweep(records, config.RetentionPolicy{Daily: 3})
	assert.Len(t, keep, 3)
	assert.Len(t, del, 2)

	// Oldest surplus goes first; the retained records are the most recent.
	assert.Equal(t, records[0].Name, del[0].Name)
	assert.Equal(t, records[1].Name, del[1].Name)
	assert.Equal(t, names(records[2:]), names(keep))
}

func TestPlanSweep_RecordSharedAcrossTiers(t *testing.T) {
	base := time.Date(2025, 6, 2, 2, 0, 0, 0, time.Local) // Monday, first of week
	records := []*Record{
		rec(base, TierDaily, TierWeekly),
		rec(base.AddDate(0, 0, 1), TierDaily),
		rec(base.AddDate(0, 0, 2), TierDaily),
	}

	// Daily only needs the newest two, but Weekly still needs the oldest
	// record: it must survive.
	keep, del := planSweep(records, config.RetentionPolicy{Daily: 2, Weekly: 4})
	assert.Empty(t, del)
	assert.Len(t, keep, 3)

	// With Weekly disabled the shared record loses its last holder.
	_, del = planSweep(records, config.RetentionPolicy{Daily: 2})
	require.Len(t, del, 1)
	assert.Equal(t, records[0].Name, del[0].Name)
}

func TestPlanSweep_UntaggedRecordsAreSweptExceptNewest(t *testing.T) {
	base := time.Date(2025, 6, 1, 2, 0, 0, 0, time.Local)
	records := []*Record{
		rec(base, TierDaily),
		rec(base.Add(time.Hour)),
		rec(base.Add(2 * time.Hour)),
	}

	keep, del := planSweep(records, config.RetentionPolicy{Daily: 7})
	assert.Equal(t, []string{records[1].Name}, names(del))
	assert.Equal(t, []string{records[0].Name, records[2].Name}, names(keep),
		"the newest record is always retained even untagged")
}

func TestPlanSweep_GlobalCapDeletesOldestOverall(t *testing.T) {
	base := time.Date(2025, 6, 1, 2, 0, 0, 0, time.Local)
	var records []*Record
	for day := 0; day < 6; day++ {
		records = append(records, rec(base.AddDate(0, 0, day), TierDaily))
	}

	keep, del := planSweep(records, config.RetentionPolicy{Daily: 10, MaxTotal: 4})
	assert.Len(t, keep, 4)
	require.Len(t, del, 2)
	assert.Equal(t, records[0].Name, del[0].Name)
	assert.Equal(t, records[1].Name, del[1].Name)
}

func TestPlanSweep_ManualTierIndependent(t *testing.T) {
	base := time.Date(2025, 6, 1, 2, 0, 0, 0, time.Local)
	records := []*Record{
		rec(base, TierManual),
		rec(base.Add(time.Hour), TierManual),
		rec(base.Add(2*time.Hour), TierManual),
		rec(base.Add(3*time.Hour), TierDaily),
	}

	keep, del := planSweep(records, config.RetentionPolicy{Daily: 7, Manual: 2})
	assert.Equal(t, []string{records[0].Name}, names(del))
	assert.Len(t, keep, 3)
}

func TestPlanSweep_EmptyInput(t *testing.T) {
	keep, del := planSweep(nil, config.RetentionPolicy{Daily: 7})
	assert.Empty(t, keep)
	assert.Empty(t, del)
}

// Ten days of hourly backups with a 7-day daily retention must leave exactly
// seven daily-tagged survivors, the oldest three days deleted first.
func TestPlanSweep_TenDaysHourlyScenario(t *testing.T) {
	policy := config.RetentionPolicy{Daily: 7, MaxTotal: 30}
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)

	var records []*Record
	for hour := 0; hour < 10*24; hour++ {
		createdAt := start.Add(time.Duration(hour) * time.Hour)
		tiers := classify(createdAt, records, false)
		// Only the Daily tier is configured in this scenario.
		var kept []Tier
		for _, tier := range tiers {
			if tier == TierDaily {
				kept = append(kept, tier)
			}
		}
		records = append(records, rec(createdAt, kept...))
	}

	keep, del := planSweep(records, policy)

	var dailySurvivors []*Record
	for _, r := range keep {
		if r.HasTier(TierDaily) {
			dailySurvivors = append(dailySurvivors, r)
		}
	}
	require.Len(t, dailySurvivors, 7)

	// The survivors are the first backups of the most recent seven days.
	for i, r := range dailySurvivors {
		wantDay := start.AddDate(0, 0, 3+i)
		assert.Equal(t, wantDay, r.CreatedAt, fmt.Sprintf("survivor %d", i))
	}

	// Everything else except the newest overall is swept, oldest first.
	assert.Equal(t, 8, len(keep), "7 daily survivors plus the newest hourly backup")
	require.NotEmpty(t, del)
	assert.Equal(t, start, del[0].CreatedAt, "oldest deleted first")
	for i := 1; i < len(del); i++ {
		assert.True(t, del[i-1].CreatedAt.Before(del[i].CreatedAt))
	}
}

func TestClassify_CalendarSlots(t *testing.T) {
	// 2025-06-02 is a Monday and 2025-06-01 a Sunday.
	sunday := time.Date(2025, 6, 1, 4, 0, 0, 0, time.Local)
	monday := sunday.AddDate(0, 0, 1)

	first := classify(sunday, nil, false)
	assert.ElementsMatch(t, []Tier{TierDaily, TierWeekly, TierMonthly}, first)

	existing := []*Record{rec(sunday, first...)}
	assert.Empty(t, classify(sunday.Add(time.Hour), existing, false),
		"second backup of the day carries no tier tag")

	// Monday opens a new ISO week but not a new day slot for Sunday's
	// records, nor a new month.
	mondayTiers := classify(monday, existing, false)
	assert.ElementsMatch(t, []Tier{TierDaily, TierWeekly}, mondayTiers)

	assert.Equal(t, []Tier{TierManual}, classify(monday, existing, true))
}
