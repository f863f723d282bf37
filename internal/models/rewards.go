package models

import "time"

// ── Event Kinds & Difficulties ────────────────────────────

const (
	EventKindQuiz   = "quiz"
	EventKindCourse = "course"
)

const (
	DifficultyBasic        = "basic"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
	DifficultyExpert       = "expert"
)

// ── Scope Types ───────────────────────────────────────────

const (
	ScopeOverall          = "overall"
	ScopeCategory         = "category"
	ScopeSubcategory      = "subcategory"
	ScopeIndustryCategory = "industry_category"
)

// ── Submissions (route layer → engine) ────────────────────

type SubmissionItem struct {
	ItemID           int64  `json:"item_id"`
	CategoryID       int64  `json:"category_id"`
	SubcategoryID    int64  `json:"subcategory_id"`
	Difficulty       string `json:"difficulty"`
	IsCorrect        bool   `json:"is_correct"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
}

type QuizSubmission struct {
	EventID    string           `json:"event_id,omitempty"`
	OccurredAt time.Time        `json:"occurred_at,omitempty"`
	Answers    []SubmissionItem `json:"answers"`
}

type CourseSubmission struct {
	EventID        string           `json:"event_id,omitempty"`
	CourseID       int64            `json:"course_id"`
	OccurredAt     time.Time        `json:"occurred_at,omitempty"`
	CompletionRate float64          `json:"completion_rate"`
	Sections       []SubmissionItem `json:"sections"`
}

// ── Learning Events ───────────────────────────────────────

type EventItem struct {
	ItemID           int64  `json:"item_id"`
	CategoryID       int64  `json:"category_id"`
	SubcategoryID    int64  `json:"subcategory_id"`
	Difficulty       string `json:"difficulty"`
	IsCorrect        bool   `json:"is_correct"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
}

// LearningEvent is the canonical form of a submission. Immutable once stored.
type LearningEvent struct {
	EventID        string      `json:"event_id"`
	UserID         int64       `json:"user_id"`
	Kind           string      `json:"kind"`
	RefID          int64       `json:"ref_id,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
	CompletionRate float64     `json:"completion_rate"`
	Items          []EventItem `json:"items"`
}

// ── Ledger ────────────────────────────────────────────────

type BonusBreakdown struct {
	Accuracy80       int64 `json:"accuracy_80,omitempty"`
	Accuracy100      int64 `json:"accuracy_100,omitempty"`
	CourseCompletion int64 `json:"course_completion,omitempty"`
	PerfectSKP       int64 `json:"perfect_skp,omitempty"`
}

type LedgerEntry struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	EventID        string         `json:"event_id"`
	Kind           string         `json:"kind"`
	XPEarned       int64          `json:"xp_earned"`
	SKPEarned      int64          `json:"skp_earned"`
	BonusBreakdown BonusBreakdown `json:"bonus_breakdown"`
	CreatedAt      time.Time      `json:"created_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// ── Aggregates ────────────────────────────────────────────

type ScopeAggregate struct {
	UserID            int64     `json:"user_id"`
	ScopeType         string    `json:"scope_type"`
	ScopeKey          string    `json:"scope_key"`
	TotalXP           int64     `json:"total_xp"`
	TotalSKP          int64     `json:"total_skp"`
	SessionsCompleted int       `json:"sessions_completed"`
	CorrectCount      int       `json:"correct_count"`
	AnsweredCount     int       `json:"answered_count"`
	Accuracy          float64   `json:"accuracy"`
	CurrentLevel      int       `json:"current_level"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type DailyRollup struct {
	UserID           int64     `json:"user_id"`
	Day              time.Time `json:"day"`
	XPEarned         int64     `json:"xp_earned"`
	SKPEarned        int64     `json:"skp_earned"`
	SessionsCount    int       `json:"sessions_count"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
}

type StreakBonusRecord struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Source       string    `json:"source"`
	StreakLength int       `json:"streak_length"`
	AmountPaid   int64     `json:"amount_paid"`
	PaidAt       time.Time `json:"paid_at"`
}

// ── Responses ─────────────────────────────────────────────

type QuizIngestResponse struct {
	EventID   string          `json:"event_id"`
	Duplicate bool            `json:"duplicate"`
	XPEarned  int64           `json:"xp_earned"`
	SKPEarned int64           `json:"skp_earned"`
	Bonuses   BonusBreakdown  `json:"bonuses"`
	NewTotals *ScopeAggregate `json:"new_totals"`
}

type CourseIngestResponse struct {
	EventID           string         `json:"event_id"`
	Duplicate         bool           `json:"duplicate"`
	XPEarned          int64          `json:"xp_earned"`
	Bonuses           BonusBreakdown `json:"bonuses"`
	IsFirstCompletion bool           `json:"is_first_completion"`
}

type UserStatsResponse struct {
	Overall        ScopeAggregate   `json:"overall"`
	Categories     []ScopeAggregate `json:"categories"`
	Subcategories  []ScopeAggregate `json:"subcategories"`
	RecentActivity []DailyRollup    `json:"recent_activity"`
}

type StreakResult struct {
	StreakDays      int   `json:"streak_days"`
	BonusAwardedNow int64 `json:"bonus_awarded_now"`
}
