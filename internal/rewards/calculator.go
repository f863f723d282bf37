package rewards

import (
	"log"

	"github.com/skillforge/backend/internal/models"
)

// RewardResult is the computed outcome for one learning event.
type RewardResult struct {
	XP       int64
	SKP      int64
	Bonuses  models.BonusBreakdown
	Correct  int
	Answered int
}

// Compute maps a learning event and a settings snapshot to earned XP, SKP,
// and event-level bonuses. Pure and deterministic, so it is safe to call
// repeatedly for the same event while a ledger write is being retried.
func Compute(event *models.LearningEvent, settings *RewardSettings) RewardResult {
	rates := settings.QuizXP
	if event.Kind == models.EventKindCourse {
		rates = settings.CourseXP
	}

	result := RewardResult{Answered: len(event.Items)}
	for _, item := range event.Items {
		xp, ok := rates.For(item.Difficulty)
		if !ok {
			// Data-quality issue, not an error: unknown difficulties earn
			// the basic rate.
			log.Printf("[rewards] unknown difficulty %q on event %s, using basic rate",
				item.Difficulty, event.EventID)
			xp = rates.Basic
		}
		result.XP += xp

		if item.IsCorrect {
			result.Correct++
			result.SKP += settings.SKP.Correct
		} else {
			result.SKP += settings.SKP.Incorrect
		}
	}

	// Accuracy bonuses are mutually exclusive: a perfect event earns only
	// the 100% bonus.
	accuracy := AccuracyPercent(result.Correct, result.Answered)
	perfect := result.Correct == result.Answered && result.Answered > 0
	switch {
	case perfect:
		result.Bonuses.Accuracy100 = settings.Bonus.Accuracy100
	case accuracy >= 80:
		result.Bonuses.Accuracy80 = settings.Bonus.Accuracy80
	}
	result.XP += result.Bonuses.Accuracy100 + result.Bonuses.Accuracy80

	if event.Kind == models.EventKindCourse && event.CompletionRate == 100 {
		result.Bonuses.CourseCompletion = settings.Bonus.CourseCompletion
		result.XP += result.Bonuses.CourseCompletion
	}

	if event.Kind == models.EventKindQuiz && perfect {
		result.Bonuses.PerfectSKP = settings.SKP.PerfectBonus
		result.SKP += result.Bonuses.PerfectSKP
	}

	return result
}

// AccuracyPercent returns correct/answered as a percentage in [0,100],
// zero when nothing was answered.
func AccuracyPercent(correct, answered int) float64 {
	if answered == 0 {
		return 0
	}
	return float64(correct) * 100 / float64(answered)
}

// LevelFor computes the level number for a running XP total. Levels start
// at 1 and advance every threshold XP; integer division truncates toward
// zero, so no fractional progress counts.
func LevelFor(totalXP, threshold int64) int {
	if threshold <= 0 {
		return 1
	}
	return int(totalXP/threshold) + 1
}
