package rewards

import (
	"context"
	"fmt"
	"log"

	"github.com/skillforge/backend/internal/models"
)

// Service is the rewards engine entry point for the route layer. It wires
// the normalizer, calculator, settings provider, and store together:
// normalize → compute → commit (ledger + aggregates + rollup, one tx).
type Service struct {
	store    *Store
	settings *SettingsProvider
}

func NewService(store *Store) *Service {
	return &Service{
		store:    store,
		settings: NewSettingsProvider(store.LoadRewardSettings),
	}
}

// NewServiceWithSettings lets tests and tools inject a settings provider.
func NewServiceWithSettings(store *Store, settings *SettingsProvider) *Service {
	return &Service{store: store, settings: settings}
}

// ── Ingestion ───────────────────────────────────────────

func (s *Service) IngestQuizSession(ctx context.Context, userID int64, sub models.QuizSubmission) (*models.QuizIngestResponse, error) {
	event, err := NormalizeQuiz(userID, sub)
	if err != nil {
		return nil, err
	}

	settings := s.settings.Get()
	result := Compute(event, settings)

	commit, err := s.store.CommitEvent(ctx, event, result, settings.LevelThresholds)
	if err != nil {
		return nil, err
	}
	entry := commit.Entry
	if commit.Applied {
		log.Printf("[rewards] quiz event %s: user %d earned %d XP, %d SKP",
			event.EventID, userID, entry.XPEarned, entry.SKPEarned)
	} else {
		log.Printf("[rewards] quiz event %s resubmitted by user %d, absorbed", event.EventID, userID)
	}

	overall, err := s.store.GetOverallAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read totals after commit: %w", err)
	}

	return &models.QuizIngestResponse{
		EventID:   entry.EventID,
		Duplicate: !commit.Applied,
		XPEarned:  entry.XPEarned,
		SKPEarned: entry.SKPEarned,
		Bonuses:   entry.BonusBreakdown,
		NewTotals: overall,
	}, nil
}

func (s *Service) IngestCourseSession(ctx context.Context, userID int64, sub models.CourseSubmission) (*models.CourseIngestResponse, error) {
	event, err := NormalizeCourse(userID, sub)
	if err != nil {
		return nil, err
	}

	settings := s.settings.Get()
	result := Compute(event, settings)

	commit, err := s.store.CommitEvent(ctx, event, result, settings.LevelThresholds)
	if err != nil {
		return nil, err
	}
	entry := commit.Entry
	if commit.Applied {
		log.Printf("[rewards] course event %s: user %d earned %d XP (course %d)",
			event.EventID, userID, entry.XPEarned, event.RefID)
	} else {
		log.Printf("[rewards] course event %s resubmitted by user %d, absorbed", event.EventID, userID)
	}

	return &models.CourseIngestResponse{
		EventID:           entry.EventID,
		Duplicate:         !commit.Applied,
		XPEarned:          entry.XPEarned,
		Bonuses:           entry.BonusBreakdown,
		IsFirstCompletion: commit.FirstCompletion,
	}, nil
}

// ── Reads ───────────────────────────────────────────────

// GetUserStats is a pure read of the aggregate tables: overall totals,
// per-category and per-subcategory breakdowns, and the last 30 days of
// activity.
func (s *Service) GetUserStats(ctx context.Context, userID int64) (*models.UserStatsResponse, error) {
	overall, err := s.store.GetOverallAggregate(ctx, userID)
	if err != nil {
		return nil, err
	}
	categories, err := s.store.GetScopeAggregates(ctx, userID, models.ScopeCategory)
	if err != nil {
		return nil, err
	}
	subcategories, err := s.store.GetScopeAggregates(ctx, userID, models.ScopeSubcategory)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.GetRecentRollups(ctx, userID, 30)
	if err != nil {
		return nil, err
	}

	return &models.UserStatsResponse{
		Overall:        *overall,
		Categories:     categories,
		Subcategories:  subcategories,
		RecentActivity: recent,
	}, nil
}

// ── Streak ──────────────────────────────────────────────

func (s *Service) ReconcileStreak(ctx context.Context, userID int64) (*models.StreakResult, error) {
	settings := s.settings.Get()
	result, err := s.store.ReconcileStreak(ctx, userID, settings.SKP)
	if err != nil {
		return nil, err
	}
	if result.BonusAwardedNow > 0 {
		log.Printf("[rewards] streak bonus: user %d at %d days, paid %d SKP",
			userID, result.StreakDays, result.BonusAwardedNow)
	}
	return result, nil
}

// ── Audit & Admin ───────────────────────────────────────

func (s *Service) AuditUser(ctx context.Context, userID int64) error {
	if err := s.store.AuditUser(ctx, userID); err != nil {
		log.Printf("[rewards] audit failed for user %d: %v", userID, err)
		return err
	}
	return nil
}

func (s *Service) ResetUser(ctx context.Context, userID int64) error {
	if err := s.store.ResetUser(ctx, userID); err != nil {
		return err
	}
	log.Printf("[rewards] user %d reward data reset by admin", userID)
	return nil
}

func (s *Service) ReleaseHold(ctx context.Context, userID int64) error {
	return s.store.ReleaseHold(ctx, userID)
}

// InvalidateSettings forces the next settings read to hit storage. Called by
// the admin handler after reward constants change.
func (s *Service) InvalidateSettings() {
	s.settings.Invalidate()
}
