package rewards

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/skillforge/backend/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func testQuizEvent() (*models.LearningEvent, RewardResult) {
	event := &models.LearningEvent{
		EventID:        "evt-quiz-1",
		UserID:         7,
		Kind:           models.EventKindQuiz,
		OccurredAt:     time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		CompletionRate: 100,
		Items: []models.EventItem{
			{ItemID: 1, CategoryID: 3, SubcategoryID: 30, Difficulty: models.DifficultyBasic, IsCorrect: true, TimeSpentSeconds: 40},
		},
	}
	return event, Compute(event, DefaultSettings())
}

func expectLockAndHoldCheck(mock sqlmock.Sqlmock, userID int64) {
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM audit_holds").WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
}

var ledgerEntryColumns = []string{
	"id", "user_id", "event_id", "kind", "xp_earned", "skp_earned",
	"bonus_breakdown", "created_at", "deleted_at",
}

func TestCommitEventFirstSubmitUpdatesAggregates(t *testing.T) {
	store, mock := newMockStore(t)
	event, result := testQuizEvent()

	mock.ExpectBegin()
	expectLockAndHoldCheck(mock, event.UserID)
	mock.ExpectExec("INSERT INTO learning_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(41, time.Now()))
	// One upsert per scope (overall, category, subcategory), then the rollup.
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO scope_aggregates").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO daily_rollups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	commit, err := store.CommitEvent(context.Background(), event, result, DefaultSettings().LevelThresholds)
	if err != nil {
		t.Fatalf("CommitEvent: %v", err)
	}
	if !commit.Applied {
		t.Error("first submit should be applied")
	}
	if commit.Entry.ID != 41 {
		t.Errorf("entry ID = %d, want 41", commit.Entry.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitEventResubmitLeavesAggregatesAlone(t *testing.T) {
	store, mock := newMockStore(t)
	event, result := testQuizEvent()

	mock.ExpectBegin()
	expectLockAndHoldCheck(mock, event.UserID)
	mock.ExpectExec("INSERT INTO learning_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnError(sql.ErrNoRows)
	// Stored values deliberately differ from the recomputed ones so we can
	// tell the original entry is what comes back.
	mock.ExpectQuery("SELECT id, user_id, event_id").
		WithArgs(event.UserID, event.EventID).
		WillReturnRows(sqlmock.NewRows(ledgerEntryColumns).
			AddRow(41, 7, "evt-quiz-1", "quiz", 40, 60, []byte(`{"accuracy_100":30}`), time.Now(), nil))
	mock.ExpectRollback()

	commit, err := store.CommitEvent(context.Background(), event, result, DefaultSettings().LevelThresholds)
	if err != nil {
		t.Fatalf("CommitEvent: %v", err)
	}
	if commit.Applied {
		t.Error("resubmit should not be applied")
	}
	if commit.Entry.XPEarned != 40 || commit.Entry.SKPEarned != 60 {
		t.Errorf("resubmit returned XP %d SKP %d, want the stored 40/60",
			commit.Entry.XPEarned, commit.Entry.SKPEarned)
	}
	if commit.FirstCompletion {
		t.Error("resubmit should never report a first completion")
	}
	// No scope_aggregates or daily_rollups statements were expected; any
	// write would have failed the mock above.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitEventFirstCompletionCheckedInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	event := &models.LearningEvent{
		EventID:        "evt-course-1",
		UserID:         7,
		Kind:           models.EventKindCourse,
		RefID:          12,
		OccurredAt:     time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		CompletionRate: 100,
		Items: []models.EventItem{
			{ItemID: 1, CategoryID: 3, SubcategoryID: 30, Difficulty: models.DifficultyBasic, IsCorrect: true},
		},
	}
	result := Compute(event, DefaultSettings())

	mock.ExpectBegin()
	expectLockAndHoldCheck(mock, event.UserID)
	mock.ExpectExec("INSERT INTO learning_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(42, time.Now()))
	// Prior-completion lookup runs between the insert and the commit, so it
	// serializes with concurrent submissions of the same course.
	mock.ExpectQuery("JOIN ledger_entries").
		WithArgs(event.UserID, models.EventKindCourse, event.RefID, event.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO scope_aggregates").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO daily_rollups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	commit, err := store.CommitEvent(context.Background(), event, result, DefaultSettings().LevelThresholds)
	if err != nil {
		t.Fatalf("CommitEvent: %v", err)
	}
	if !commit.FirstCompletion {
		t.Error("expected first completion with no prior record")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func rollupRows(days int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"user_id", "day", "xp_earned", "skp_earned", "sessions_count", "time_spent_seconds"})
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 0; i < days; i++ {
		rows.AddRow(7, day.AddDate(0, 0, -i), 100, 60, 2, 600)
	}
	return rows
}

func TestReconcileStreakPaysEntitlementOnce(t *testing.T) {
	store, mock := newMockStore(t)
	skp := DefaultSettings().SKP

	// First reconcile: 12-day streak, nothing paid yet, owes 12*10 + 1*100.
	mock.ExpectBegin()
	expectLockAndHoldCheck(mock, 7)
	mock.ExpectQuery("FROM daily_rollups").WithArgs(int64(7)).
		WillReturnRows(rollupRows(12))
	mock.ExpectQuery("FROM streak_bonus_records").
		WithArgs(int64(7), StreakBonusSource).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec("INSERT INTO streak_bonus_records").
		WithArgs(int64(7), StreakBonusSource, int64(12), int64(220)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO scope_aggregates").
		WithArgs(int64(7), models.ScopeOverall, int64(220)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := store.ReconcileStreak(context.Background(), 7, skp)
	if err != nil {
		t.Fatalf("first ReconcileStreak: %v", err)
	}
	if first.StreakDays != 12 || first.BonusAwardedNow != 220 {
		t.Errorf("first reconcile = %d days, %d SKP, want 12 days, 220 SKP",
			first.StreakDays, first.BonusAwardedNow)
	}

	// Second reconcile with no new activity: entitlement is already paid,
	// so no bonus record and no aggregate credit.
	mock.ExpectBegin()
	expectLockAndHoldCheck(mock, 7)
	mock.ExpectQuery("FROM daily_rollups").WithArgs(int64(7)).
		WillReturnRows(rollupRows(12))
	mock.ExpectQuery("FROM streak_bonus_records").
		WithArgs(int64(7), StreakBonusSource).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(220))
	mock.ExpectCommit()

	second, err := store.ReconcileStreak(context.Background(), 7, skp)
	if err != nil {
		t.Fatalf("second ReconcileStreak: %v", err)
	}
	if second.BonusAwardedNow != 0 {
		t.Errorf("second reconcile paid %d, want 0", second.BonusAwardedNow)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

var auditAggregateColumns = []string{
	"user_id", "scope_type", "scope_key", "total_xp", "total_skp",
	"sessions_completed", "correct_count", "answered_count", "accuracy",
	"current_level", "updated_at",
}

func TestAuditUserReadsUnderOneLock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM ledger_entries").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"xp", "skp"}).AddRow(100, 60))
	mock.ExpectQuery("FROM streak_bonus_records").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(220))
	mock.ExpectQuery("FROM scope_aggregates").
		WillReturnRows(sqlmock.NewRows(auditAggregateColumns).
			AddRow(7, "overall", "overall", 100, 280, 3, 10, 12, 83.3, 1, time.Now()))
	mock.ExpectCommit()

	if err := store.AuditUser(context.Background(), 7); err != nil {
		t.Fatalf("AuditUser on consistent state: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAuditUserMismatchPlacesHold(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM ledger_entries").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"xp", "skp"}).AddRow(100, 60))
	mock.ExpectQuery("FROM streak_bonus_records").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery("FROM scope_aggregates").
		WillReturnRows(sqlmock.NewRows(auditAggregateColumns).
			AddRow(7, "overall", "overall", 150, 60, 3, 10, 12, 83.3, 1, time.Now()))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO audit_holds").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AuditUser(context.Background(), 7)
	var violation *InvariantViolation
	if !errors.As(err, &violation) {
		t.Fatalf("AuditUser = %v, want InvariantViolation", err)
	}
	if violation.Field != "xp" || violation.LedgerSum != 100 || violation.AggregateSum != 150 {
		t.Errorf("violation = %+v, want xp 100 vs 150", violation)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
