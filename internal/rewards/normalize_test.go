package rewards

import (
	"errors"
	"testing"
	"time"

	"github.com/skillforge/backend/internal/models"
)

func validAnswer() models.SubmissionItem {
	return models.SubmissionItem{
		ItemID:           1,
		CategoryID:       10,
		SubcategoryID:    100,
		Difficulty:       "basic",
		IsCorrect:        true,
		TimeSpentSeconds: 30,
	}
}

func TestNormalizeQuizValidation(t *testing.T) {
	tests := []struct {
		name string
		sub  models.QuizSubmission
	}{
		{"empty answers", models.QuizSubmission{}},
		{"missing category", models.QuizSubmission{Answers: []models.SubmissionItem{
			{SubcategoryID: 100, Difficulty: "basic"},
		}}},
		{"missing subcategory", models.QuizSubmission{Answers: []models.SubmissionItem{
			{CategoryID: 10, Difficulty: "basic"},
		}}},
		{"missing difficulty", models.QuizSubmission{Answers: []models.SubmissionItem{
			{CategoryID: 10, SubcategoryID: 100},
		}}},
	}

	for _, tt := range tests {
		_, err := NormalizeQuiz(7, tt.sub)
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("%s: err = %v, want *ValidationError", tt.name, err)
		}
	}
}

func TestNormalizeCourseCompletionRateBounds(t *testing.T) {
	for _, rate := range []float64{-1, 100.5, 200} {
		sub := models.CourseSubmission{
			CourseID:       3,
			CompletionRate: rate,
			Sections:       []models.SubmissionItem{validAnswer()},
		}
		_, err := NormalizeCourse(7, sub)
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("completion rate %f: err = %v, want *ValidationError", rate, err)
		}
	}
}

func TestNormalizeQuizKeepsClientEventID(t *testing.T) {
	sub := models.QuizSubmission{
		EventID: "  client-id-42  ",
		Answers: []models.SubmissionItem{validAnswer()},
	}

	event, err := NormalizeQuiz(7, sub)
	if err != nil {
		t.Fatalf("NormalizeQuiz: %v", err)
	}
	if event.EventID != "client-id-42" {
		t.Errorf("EventID = %q, want trimmed client id", event.EventID)
	}
}

func TestNormalizeFallbackEventIDIsDeterministic(t *testing.T) {
	occurred := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	sub := models.QuizSubmission{
		OccurredAt: occurred,
		Answers:    []models.SubmissionItem{validAnswer(), validAnswer()},
	}

	first, err := NormalizeQuiz(7, sub)
	if err != nil {
		t.Fatalf("NormalizeQuiz: %v", err)
	}
	second, err := NormalizeQuiz(7, sub)
	if err != nil {
		t.Fatalf("NormalizeQuiz: %v", err)
	}

	if first.EventID == "" {
		t.Fatal("fallback EventID is empty")
	}
	if first.EventID != second.EventID {
		t.Errorf("same submission produced different ids: %q vs %q", first.EventID, second.EventID)
	}

	// A different item count must map to a different id.
	sub.Answers = sub.Answers[:1]
	third, err := NormalizeQuiz(7, sub)
	if err != nil {
		t.Fatalf("NormalizeQuiz: %v", err)
	}
	if third.EventID == first.EventID {
		t.Error("different submissions collapsed to the same fallback id")
	}

	// And a different user must too.
	fourth, err := NormalizeQuiz(8, models.QuizSubmission{
		OccurredAt: occurred,
		Answers:    []models.SubmissionItem{validAnswer()},
	})
	if err != nil {
		t.Fatalf("NormalizeQuiz: %v", err)
	}
	if fourth.EventID == third.EventID {
		t.Error("different users collapsed to the same fallback id")
	}
}

func TestNormalizeCanonicalizesItems(t *testing.T) {
	sub := models.QuizSubmission{
		Answers: []models.SubmissionItem{
			{ItemID: 1, CategoryID: 10, SubcategoryID: 100, Difficulty: "  Expert ", TimeSpentSeconds: -5},
		},
	}

	event, err := NormalizeQuiz(7, sub)
	if err != nil {
		t.Fatalf("NormalizeQuiz: %v", err)
	}

	if event.Items[0].Difficulty != "expert" {
		t.Errorf("Difficulty = %q, want lower-cased %q", event.Items[0].Difficulty, "expert")
	}
	if event.Items[0].TimeSpentSeconds != 0 {
		t.Errorf("TimeSpentSeconds = %d, want clamped to 0", event.Items[0].TimeSpentSeconds)
	}
	if event.OccurredAt.IsZero() {
		t.Error("OccurredAt not defaulted")
	}
	if event.CompletionRate != 100 {
		t.Errorf("quiz CompletionRate = %f, want 100", event.CompletionRate)
	}
}

func TestNormalizeCourseCarriesRef(t *testing.T) {
	sub := models.CourseSubmission{
		CourseID:       42,
		CompletionRate: 75,
		Sections:       []models.SubmissionItem{validAnswer()},
	}

	event, err := NormalizeCourse(7, sub)
	if err != nil {
		t.Fatalf("NormalizeCourse: %v", err)
	}
	if event.Kind != models.EventKindCourse {
		t.Errorf("Kind = %q, want course", event.Kind)
	}
	if event.RefID != 42 {
		t.Errorf("RefID = %d, want 42", event.RefID)
	}
	if event.CompletionRate != 75 {
		t.Errorf("CompletionRate = %f, want 75", event.CompletionRate)
	}
}

func TestNewEventIDUnique(t *testing.T) {
	a, b := NewEventID(), NewEventID()
	if a == "" || a == b {
		t.Errorf("NewEventID returned %q and %q, want distinct non-empty ids", a, b)
	}
}
