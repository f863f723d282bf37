package rewards

import (
	"time"

	"github.com/skillforge/backend/internal/models"
)

// StreakBonusSource namespaces streak payouts in streak_bonus_records so
// already-paid sums never mix with other bonus kinds.
const StreakBonusSource = "daily_streak"

// CountStreak returns the number of consecutive calendar days with at least
// one completed session, scanning backwards from today. A day without
// activity breaks the streak, except today itself: a streak that ran through
// yesterday is still alive before the user has studied today.
func CountStreak(rollups []models.DailyRollup, today time.Time) int {
	active := make(map[string]bool, len(rollups))
	for _, r := range rollups {
		if r.SessionsCount > 0 {
			active[r.Day.UTC().Format("2006-01-02")] = true
		}
	}

	day := today.UTC().Truncate(24 * time.Hour)
	if !active[day.Format("2006-01-02")] {
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for active[day.Format("2006-01-02")] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// Entitlement is the total streak SKP a user has earned for a streak of the
// given length: a per-day bonus plus a larger bonus for every full ten days.
func Entitlement(streakDays int, skp SKPRates) int64 {
	if streakDays <= 0 {
		return 0
	}
	return int64(streakDays)*skp.DailyStreak + int64(streakDays/10)*skp.TenDayStreak
}
