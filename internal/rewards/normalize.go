package rewards

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skillforge/backend/internal/models"
)

// eventIDNamespace scopes deterministic fallback ids. UUIDv5 over this
// namespace makes an accidental double-submit of the same payload collapse
// to one event id even when the client supplied none.
var eventIDNamespace = uuid.MustParse("9f2c1f6e-3b7a-4d0e-8a94-5d1c2e7b6a10")

// NewEventID issues a fresh server-side event id. Clients that want
// guaranteed replay detection fetch one of these before submitting and echo
// it on every retry.
func NewEventID() string {
	return uuid.NewString()
}

// NormalizeQuiz converts a raw quiz submission into a canonical
// LearningEvent. Returns *ValidationError for malformed input.
func NormalizeQuiz(userID int64, sub models.QuizSubmission) (*models.LearningEvent, error) {
	items, err := normalizeItems(sub.Answers)
	if err != nil {
		return nil, err
	}

	occurredAt := sub.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &models.LearningEvent{
		EventID:        strings.TrimSpace(sub.EventID),
		UserID:         userID,
		Kind:           models.EventKindQuiz,
		OccurredAt:     occurredAt.UTC(),
		CompletionRate: 100,
		Items:          items,
	}
	if event.EventID == "" {
		event.EventID = fallbackEventID(event)
	}
	return event, nil
}

// NormalizeCourse converts a raw course-session submission into a canonical
// LearningEvent. Returns *ValidationError for malformed input.
func NormalizeCourse(userID int64, sub models.CourseSubmission) (*models.LearningEvent, error) {
	items, err := normalizeItems(sub.Sections)
	if err != nil {
		return nil, err
	}
	if sub.CompletionRate < 0 || sub.CompletionRate > 100 {
		return nil, &ValidationError{Field: "completion_rate", Reason: "must be between 0 and 100"}
	}

	occurredAt := sub.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &models.LearningEvent{
		EventID:        strings.TrimSpace(sub.EventID),
		UserID:         userID,
		Kind:           models.EventKindCourse,
		RefID:          sub.CourseID,
		OccurredAt:     occurredAt.UTC(),
		CompletionRate: sub.CompletionRate,
		Items:          items,
	}
	if event.EventID == "" {
		event.EventID = fallbackEventID(event)
	}
	return event, nil
}

func normalizeItems(raw []models.SubmissionItem) ([]models.EventItem, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}

	items := make([]models.EventItem, 0, len(raw))
	for i, r := range raw {
		if r.CategoryID == 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].category_id", i), Reason: "required"}
		}
		if r.SubcategoryID == 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].subcategory_id", i), Reason: "required"}
		}
		difficulty := strings.ToLower(strings.TrimSpace(r.Difficulty))
		if difficulty == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].difficulty", i), Reason: "required"}
		}
		timeSpent := r.TimeSpentSeconds
		if timeSpent < 0 {
			timeSpent = 0
		}
		items = append(items, models.EventItem{
			ItemID:           r.ItemID,
			CategoryID:       r.CategoryID,
			SubcategoryID:    r.SubcategoryID,
			Difficulty:       difficulty,
			IsCorrect:        r.IsCorrect,
			TimeSpentSeconds: timeSpent,
		})
	}
	return items, nil
}

// fallbackEventID derives a stable id from the submission shape. Two
// submissions with the same user, kind, second-truncated timestamp, and item
// count collapse to the same id. This is best-effort only; clients that
// need guaranteed replay detection must supply their own id (see NewEventID).
func fallbackEventID(event *models.LearningEvent) string {
	seed := fmt.Sprintf("%d|%s|%d|%d",
		event.UserID, event.Kind, event.OccurredAt.Truncate(time.Second).Unix(), len(event.Items))
	return uuid.NewSHA1(eventIDNamespace, []byte(seed)).String()
}
