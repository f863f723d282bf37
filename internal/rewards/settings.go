package rewards

import (
	"log"
	"sync"
	"time"

	"github.com/skillforge/backend/internal/models"
)

// settingsTTL is how long a loaded settings snapshot stays fresh. Stale
// reads inside the window are acceptable; the constants change rarely.
const settingsTTL = 5 * time.Minute

// DifficultyRates holds per-difficulty XP amounts for one event kind.
type DifficultyRates struct {
	Basic        int64
	Intermediate int64
	Advanced     int64
	Expert       int64
}

// For returns the rate for a difficulty, with ok=false for unknown values.
func (r DifficultyRates) For(difficulty string) (int64, bool) {
	switch difficulty {
	case models.DifficultyBasic:
		return r.Basic, true
	case models.DifficultyIntermediate:
		return r.Intermediate, true
	case models.DifficultyAdvanced:
		return r.Advanced, true
	case models.DifficultyExpert:
		return r.Expert, true
	}
	return 0, false
}

type BonusRates struct {
	Accuracy80       int64
	Accuracy100      int64
	CourseCompletion int64
}

type LevelThresholds struct {
	Overall             int64
	MainCategory        int64
	IndustryCategory    int64
	IndustrySubcategory int64
}

// For returns the XP-per-level threshold for a scope type.
func (t LevelThresholds) For(scopeType string) int64 {
	switch scopeType {
	case models.ScopeCategory:
		return t.MainCategory
	case models.ScopeIndustryCategory:
		return t.IndustryCategory
	case models.ScopeSubcategory:
		return t.IndustrySubcategory
	}
	return t.Overall
}

type SKPRates struct {
	Correct      int64
	Incorrect    int64
	PerfectBonus int64
	DailyStreak  int64
	TenDayStreak int64
}

// RewardSettings is one immutable snapshot of all tunable reward constants.
type RewardSettings struct {
	QuizXP          DifficultyRates
	CourseXP        DifficultyRates
	Bonus           BonusRates
	LevelThresholds LevelThresholds
	SKP             SKPRates
}

// DefaultSettings returns the hard-coded fallback constants used when the
// settings table is missing keys or unreachable.
func DefaultSettings() *RewardSettings {
	return &RewardSettings{
		QuizXP:   DifficultyRates{Basic: 10, Intermediate: 20, Advanced: 30, Expert: 50},
		CourseXP: DifficultyRates{Basic: 15, Intermediate: 25, Advanced: 35, Expert: 55},
		Bonus:    BonusRates{Accuracy80: 20, Accuracy100: 30, CourseCompletion: 50},
		LevelThresholds: LevelThresholds{
			Overall:             1000,
			MainCategory:        500,
			IndustryCategory:    1000,
			IndustrySubcategory: 500,
		},
		SKP: SKPRates{Correct: 10, Incorrect: 2, PerfectBonus: 50, DailyStreak: 10, TenDayStreak: 100},
	}
}

// SettingRow is one active row of the reward_settings table.
type SettingRow struct {
	Category string
	Key      string
	Value    int64
}

// SettingsLoader fetches all active setting rows from storage.
type SettingsLoader func() ([]SettingRow, error)

// SettingsProvider caches reward settings with a TTL. Safe for concurrent
// use; refresh happens under the write lock, reads under the read lock.
type SettingsProvider struct {
	load SettingsLoader

	mu       sync.RWMutex
	cached   *RewardSettings
	loadedAt time.Time
}

func NewSettingsProvider(load SettingsLoader) *SettingsProvider {
	return &SettingsProvider{load: load}
}

// Get returns the current settings snapshot, reloading from storage when the
// cache has expired. On storage failure it logs and returns defaults merged
// over whatever was cached; it never returns an error.
func (p *SettingsProvider) Get() *RewardSettings {
	p.mu.RLock()
	if p.cached != nil && time.Since(p.loadedAt) < settingsTTL {
		s := p.cached
		p.mu.RUnlock()
		return s
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if p.cached != nil && time.Since(p.loadedAt) < settingsTTL {
		return p.cached
	}

	rows, err := p.load()
	if err != nil {
		log.Printf("[settings] degraded: %v (%v), using defaults", ErrSettingsUnavailable, err)
		if p.cached == nil {
			p.cached = DefaultSettings()
		}
		// Keep loadedAt stale so the next call retries storage.
		return p.cached
	}

	settings := DefaultSettings()
	for _, row := range rows {
		applySetting(settings, row)
	}
	p.cached = settings
	p.loadedAt = time.Now()
	return p.cached
}

// Invalidate drops the cached snapshot so the next Get reloads from storage.
func (p *SettingsProvider) Invalidate() {
	p.mu.Lock()
	p.loadedAt = time.Time{}
	p.mu.Unlock()
}

func applySetting(s *RewardSettings, row SettingRow) {
	switch row.Category {
	case "quiz_xp":
		applyDifficultyRate(&s.QuizXP, row.Key, row.Value)
	case "course_xp":
		applyDifficultyRate(&s.CourseXP, row.Key, row.Value)
	case "bonus_xp":
		switch row.Key {
		case "accuracy80":
			s.Bonus.Accuracy80 = row.Value
		case "accuracy100":
			s.Bonus.Accuracy100 = row.Value
		case "courseCompletion":
			s.Bonus.CourseCompletion = row.Value
		}
	case "level_thresholds":
		switch row.Key {
		case "overall":
			s.LevelThresholds.Overall = row.Value
		case "mainCategory":
			s.LevelThresholds.MainCategory = row.Value
		case "industryCategory":
			s.LevelThresholds.IndustryCategory = row.Value
		case "industrySubcategory":
			s.LevelThresholds.IndustrySubcategory = row.Value
		}
	case "skp":
		switch row.Key {
		case "correct":
			s.SKP.Correct = row.Value
		case "incorrect":
			s.SKP.Incorrect = row.Value
		case "perfectBonus":
			s.SKP.PerfectBonus = row.Value
		case "dailyStreak":
			s.SKP.DailyStreak = row.Value
		case "tenDayStreak":
			s.SKP.TenDayStreak = row.Value
		}
	default:
		log.Printf("[settings] unknown settings category %q ignored", row.Category)
	}
}

func applyDifficultyRate(r *DifficultyRates, key string, value int64) {
	switch key {
	case models.DifficultyBasic:
		r.Basic = value
	case models.DifficultyIntermediate:
		r.Intermediate = value
	case models.DifficultyAdvanced:
		r.Advanced = value
	case models.DifficultyExpert:
		r.Expert = value
	}
}
