package rewards

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/skillforge/backend/internal/models"
)

// Store persists ledger entries, scope aggregates, daily rollups, and streak
// bonus records. All mutation paths for one user run under a per-user
// advisory lock inside a single transaction, so concurrent submissions from
// the same user serialize and either commit fully or roll back fully.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ── Settings ────────────────────────────────────────────

func (s *Store) LoadRewardSettings() ([]SettingRow, error) {
	rows, err := s.db.Query(
		`SELECT category, key, value FROM reward_settings WHERE active = TRUE`,
	)
	if err != nil {
		return nil, fmt.Errorf("load reward settings: %w", err)
	}
	defer rows.Close()

	var settings []SettingRow
	for rows.Next() {
		var r SettingRow
		if err := rows.Scan(&r.Category, &r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		settings = append(settings, r)
	}
	return settings, rows.Err()
}

// ── Ledger Writer ───────────────────────────────────────

// CommitResult is the outcome of one CommitEvent call. Applied is false for
// a resubmitted (user_id, event_id) pair, in which case Entry is the
// already-committed entry. FirstCompletion is set only for a 100% course
// event with no prior completion of the same course.
type CommitResult struct {
	Entry           *models.LedgerEntry
	Applied         bool
	FirstCompletion bool
}

// CommitEvent records the event and its rewards exactly once. A resubmitted
// (user_id, event_id) pair returns the existing entry with Applied=false and
// touches nothing else. On first insert the aggregate and rollup updates run
// in the same transaction; any failure rolls everything back and surfaces as
// a retryable StorageTransactionError.
func (s *Store) CommitEvent(ctx context.Context, event *models.LearningEvent, result RewardResult, thresholds LevelThresholds) (*CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageTransactionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := s.lockUser(ctx, tx, event.UserID); err != nil {
		return nil, err
	}

	itemsJSON, err := json.Marshal(event.Items)
	if err != nil {
		return nil, &StorageTransactionError{Op: "encode items", Err: err}
	}
	bonusJSON, err := json.Marshal(result.Bonuses)
	if err != nil {
		return nil, &StorageTransactionError{Op: "encode bonuses", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learning_events (user_id, event_id, kind, ref_id, occurred_at, completion_rate, items)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, event_id) DO NOTHING`,
		event.UserID, event.EventID, event.Kind, event.RefID,
		event.OccurredAt, event.CompletionRate, itemsJSON,
	); err != nil && !isUniqueViolation(err) {
		return nil, &StorageTransactionError{Op: "insert event", Err: err}
	}

	entry := &models.LedgerEntry{
		UserID:         event.UserID,
		EventID:        event.EventID,
		Kind:           event.Kind,
		XPEarned:       result.XP,
		SKPEarned:      result.SKP,
		BonusBreakdown: result.Bonuses,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (user_id, event_id, kind, xp_earned, skp_earned, bonus_breakdown)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, event_id) DO NOTHING
		 RETURNING id, created_at`,
		event.UserID, event.EventID, event.Kind, result.XP, result.SKP, bonusJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err == sql.ErrNoRows || isUniqueViolation(err) {
		// Replay: return the already-committed entry untouched.
		existing, lookupErr := scanLedgerEntry(tx.QueryRowContext(ctx,
			ledgerEntryQuery+` WHERE user_id = $1 AND event_id = $2`,
			event.UserID, event.EventID,
		))
		if lookupErr != nil {
			return nil, &StorageTransactionError{Op: "lookup duplicate", Err: lookupErr}
		}
		return &CommitResult{Entry: existing}, nil
	}
	if err != nil {
		return nil, &StorageTransactionError{Op: "insert ledger entry", Err: err}
	}

	commit := &CommitResult{Entry: entry, Applied: true}
	// The first-completion check runs under the same lock as the insert, so
	// two racing submissions of one course cannot both see "no prior".
	if event.Kind == models.EventKindCourse && event.CompletionRate == 100 {
		hadPrior, err := hasPriorCourseCompletion(ctx, tx, event)
		if err != nil {
			return nil, err
		}
		commit.FirstCompletion = !hadPrior
	}

	if err := s.applyAggregates(ctx, tx, event, result, thresholds); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageTransactionError{Op: "commit", Err: err}
	}
	return commit, nil
}

// lockUser serializes all writers for one user and rejects users frozen by
// a failed audit. Must run inside a transaction: the advisory lock is held
// until commit or rollback.
func (s *Store) lockUser(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return &StorageTransactionError{Op: "lock user", Err: err}
	}

	var onHold bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM audit_holds WHERE user_id = $1)`, userID,
	).Scan(&onHold)
	if err != nil {
		return &StorageTransactionError{Op: "check hold", Err: err}
	}
	if onHold {
		return ErrUserOnHold
	}
	return nil
}

// ── Aggregate Updater ───────────────────────────────────

const upsertAggregateQuery = `
	INSERT INTO scope_aggregates
	    (user_id, scope_type, scope_key, total_xp, total_skp, sessions_completed,
	     correct_count, answered_count, accuracy, current_level, updated_at)
	VALUES ($1, $2, $3, $4, $5, 1, $6, $7,
	        CASE WHEN $7 > 0 THEN $6::numeric * 100 / $7 ELSE 0 END,
	        $4 / $8 + 1, NOW())
	ON CONFLICT (user_id, scope_type, scope_key) DO UPDATE SET
	    total_xp = scope_aggregates.total_xp + EXCLUDED.total_xp,
	    total_skp = scope_aggregates.total_skp + EXCLUDED.total_skp,
	    sessions_completed = scope_aggregates.sessions_completed + 1,
	    correct_count = scope_aggregates.correct_count + EXCLUDED.correct_count,
	    answered_count = scope_aggregates.answered_count + EXCLUDED.answered_count,
	    accuracy = CASE WHEN scope_aggregates.answered_count + EXCLUDED.answered_count > 0
	        THEN (scope_aggregates.correct_count + EXCLUDED.correct_count)::numeric * 100
	             / (scope_aggregates.answered_count + EXCLUDED.answered_count)
	        ELSE 0 END,
	    current_level = (scope_aggregates.total_xp + EXCLUDED.total_xp) / $8 + 1,
	    updated_at = NOW()`

// applyAggregates adds the event's deltas to the overall scope, every
// distinct category and subcategory it touched, and the day's rollup. Runs
// inside the CommitEvent transaction so partial application can never be
// observed.
func (s *Store) applyAggregates(ctx context.Context, tx *sql.Tx, event *models.LearningEvent, result RewardResult, thresholds LevelThresholds) error {
	scopes := eventScopes(event)
	for _, scope := range scopes {
		threshold := thresholds.For(scope.scopeType)
		if threshold <= 0 {
			threshold = 1
		}
		if _, err := tx.ExecContext(ctx, upsertAggregateQuery,
			event.UserID, scope.scopeType, scope.scopeKey,
			result.XP, result.SKP, result.Correct, result.Answered, threshold,
		); err != nil {
			return &StorageTransactionError{
				Op:  fmt.Sprintf("upsert %s aggregate", scope.scopeType),
				Err: err,
			}
		}
	}

	timeSpent := 0
	for _, item := range event.Items {
		timeSpent += item.TimeSpentSeconds
	}
	day := event.OccurredAt.UTC().Truncate(24 * time.Hour)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO daily_rollups (user_id, day, xp_earned, skp_earned, sessions_count, time_spent_seconds)
		 VALUES ($1, $2, $3, $4, 1, $5)
		 ON CONFLICT (user_id, day) DO UPDATE SET
		     xp_earned = daily_rollups.xp_earned + EXCLUDED.xp_earned,
		     skp_earned = daily_rollups.skp_earned + EXCLUDED.skp_earned,
		     sessions_count = daily_rollups.sessions_count + 1,
		     time_spent_seconds = daily_rollups.time_spent_seconds + EXCLUDED.time_spent_seconds`,
		event.UserID, day, result.XP, result.SKP, timeSpent,
	); err != nil {
		return &StorageTransactionError{Op: "upsert daily rollup", Err: err}
	}
	return nil
}

type scopeRef struct {
	scopeType string
	scopeKey  string
}

// eventScopes lists the aggregate scopes an event credits: overall plus each
// distinct category and subcategory among its items.
func eventScopes(event *models.LearningEvent) []scopeRef {
	scopes := []scopeRef{{models.ScopeOverall, models.ScopeOverall}}
	seenCat := make(map[int64]bool)
	seenSub := make(map[int64]bool)
	for _, item := range event.Items {
		if !seenCat[item.CategoryID] {
			seenCat[item.CategoryID] = true
			scopes = append(scopes, scopeRef{models.ScopeCategory, fmt.Sprintf("%d", item.CategoryID)})
		}
		if !seenSub[item.SubcategoryID] {
			seenSub[item.SubcategoryID] = true
			scopes = append(scopes, scopeRef{models.ScopeSubcategory, fmt.Sprintf("%d", item.SubcategoryID)})
		}
	}
	return scopes
}

// ── Aggregate Reads ─────────────────────────────────────

const aggregateColumns = `user_id, scope_type, scope_key, total_xp, total_skp,
	sessions_completed, correct_count, answered_count, accuracy, current_level, updated_at`

func (s *Store) GetOverallAggregate(ctx context.Context, userID int64) (*models.ScopeAggregate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+`
		 FROM scope_aggregates
		 WHERE user_id = $1 AND scope_type = $2 AND scope_key = $2`,
		userID, models.ScopeOverall,
	)
	agg, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		// No activity yet: a zeroed aggregate at level 1.
		return &models.ScopeAggregate{
			UserID:       userID,
			ScopeType:    models.ScopeOverall,
			ScopeKey:     models.ScopeOverall,
			CurrentLevel: 1,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get overall aggregate: %w", err)
	}
	return agg, nil
}

func (s *Store) GetScopeAggregates(ctx context.Context, userID int64, scopeType string) ([]models.ScopeAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregateColumns+`
		 FROM scope_aggregates
		 WHERE user_id = $1 AND scope_type = $2
		 ORDER BY total_xp DESC`,
		userID, scopeType,
	)
	if err != nil {
		return nil, fmt.Errorf("get %s aggregates: %w", scopeType, err)
	}
	defer rows.Close()

	var aggs []models.ScopeAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s aggregate: %w", scopeType, err)
		}
		aggs = append(aggs, *agg)
	}
	if aggs == nil {
		aggs = []models.ScopeAggregate{}
	}
	return aggs, rows.Err()
}

func (s *Store) GetRecentRollups(ctx context.Context, userID int64, days int) ([]models.DailyRollup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, day, xp_earned, skp_earned, sessions_count, time_spent_seconds
		 FROM daily_rollups
		 WHERE user_id = $1 AND day >= CURRENT_DATE - $2::int
		 ORDER BY day DESC`,
		userID, days,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent rollups: %w", err)
	}
	defer rows.Close()

	var rollups []models.DailyRollup
	for rows.Next() {
		var r models.DailyRollup
		if err := rows.Scan(&r.UserID, &r.Day, &r.XPEarned, &r.SKPEarned, &r.SessionsCount, &r.TimeSpentSeconds); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		rollups = append(rollups, r)
	}
	if rollups == nil {
		rollups = []models.DailyRollup{}
	}
	return rollups, rows.Err()
}

// hasPriorCourseCompletion reports whether the user already has a fully
// completed, non-deleted course event for this course other than the event
// being committed. Runs on the commit transaction, under its lock.
func hasPriorCourseCompletion(ctx context.Context, tx *sql.Tx, event *models.LearningEvent) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(
		    SELECT 1
		    FROM learning_events e
		    JOIN ledger_entries l ON l.user_id = e.user_id AND l.event_id = e.event_id
		    WHERE e.user_id = $1 AND e.kind = $2 AND e.ref_id = $3
		      AND e.completion_rate = 100 AND e.event_id != $4
		      AND l.deleted_at IS NULL
		)`,
		event.UserID, models.EventKindCourse, event.RefID, event.EventID,
	).Scan(&exists)
	if err != nil {
		return false, &StorageTransactionError{Op: "check prior completion", Err: err}
	}
	return exists, nil
}

// ── Streak Engine ───────────────────────────────────────

// ReconcileStreak recomputes the user's consecutive-day streak from daily
// rollups and pays out any unpaid entitlement. Monotonic-only: paid bonuses
// are never retracted, so calling this repeatedly with no new activity
// awards nothing.
func (s *Store) ReconcileStreak(ctx context.Context, userID int64, skp SKPRates) (*models.StreakResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageTransactionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := s.lockUser(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id, day, xp_earned, skp_earned, sessions_count, time_spent_seconds
		 FROM daily_rollups
		 WHERE user_id = $1 AND sessions_count > 0
		 ORDER BY day DESC
		 LIMIT 400`,
		userID,
	)
	if err != nil {
		return nil, &StorageTransactionError{Op: "read rollups", Err: err}
	}
	var rollups []models.DailyRollup
	for rows.Next() {
		var r models.DailyRollup
		if err := rows.Scan(&r.UserID, &r.Day, &r.XPEarned, &r.SKPEarned, &r.SessionsCount, &r.TimeSpentSeconds); err != nil {
			rows.Close()
			return nil, &StorageTransactionError{Op: "scan rollup", Err: err}
		}
		rollups = append(rollups, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &StorageTransactionError{Op: "read rollups", Err: err}
	}

	streak := CountStreak(rollups, time.Now().UTC())
	entitlement := Entitlement(streak, skp)

	var alreadyPaid int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_paid), 0)
		 FROM streak_bonus_records
		 WHERE user_id = $1 AND source = $2`,
		userID, StreakBonusSource,
	).Scan(&alreadyPaid)
	if err != nil {
		return nil, &StorageTransactionError{Op: "sum paid bonuses", Err: err}
	}

	result := &models.StreakResult{StreakDays: streak}
	owed := entitlement - alreadyPaid
	if owed <= 0 {
		return result, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streak_bonus_records (user_id, source, streak_length, amount_paid)
		 VALUES ($1, $2, $3, $4)`,
		userID, StreakBonusSource, streak, owed,
	); err != nil {
		return nil, &StorageTransactionError{Op: "insert bonus record", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scope_aggregates
		     (user_id, scope_type, scope_key, total_xp, total_skp, sessions_completed,
		      correct_count, answered_count, accuracy, current_level, updated_at)
		 VALUES ($1, $2, $2, 0, $3, 0, 0, 0, 0, 1, NOW())
		 ON CONFLICT (user_id, scope_type, scope_key) DO UPDATE SET
		     total_skp = scope_aggregates.total_skp + EXCLUDED.total_skp,
		     updated_at = NOW()`,
		userID, models.ScopeOverall, owed,
	); err != nil {
		return nil, &StorageTransactionError{Op: "credit streak bonus", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageTransactionError{Op: "commit", Err: err}
	}
	result.BonusAwardedNow = owed
	return result, nil
}

// ── Audit & Admin ───────────────────────────────────────

// AuditUser verifies the ledger-sum invariant for one user: ledger XP must
// equal the overall aggregate's XP, and ledger SKP plus streak payouts must
// equal the overall aggregate's SKP. A mismatch freezes the user's write
// path and returns an InvariantViolation.
func (s *Store) AuditUser(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageTransactionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	// Take the writers' lock so the three reads see one settled state. An
	// ingest committing mid-audit would otherwise skew the comparison.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return &StorageTransactionError{Op: "lock user", Err: err}
	}

	var ledgerXP, ledgerSKP int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(xp_earned), 0), COALESCE(SUM(skp_earned), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&ledgerXP, &ledgerSKP)
	if err != nil {
		return fmt.Errorf("sum ledger: %w", err)
	}

	var streakSKP int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_paid), 0) FROM streak_bonus_records WHERE user_id = $1`,
		userID,
	).Scan(&streakSKP)
	if err != nil {
		return fmt.Errorf("sum streak bonuses: %w", err)
	}

	overall, err := scanAggregate(tx.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+`
		 FROM scope_aggregates
		 WHERE user_id = $1 AND scope_type = $2 AND scope_key = $2`,
		userID, models.ScopeOverall,
	))
	if err == sql.ErrNoRows {
		overall = &models.ScopeAggregate{
			UserID:       userID,
			ScopeType:    models.ScopeOverall,
			ScopeKey:     models.ScopeOverall,
			CurrentLevel: 1,
		}
	} else if err != nil {
		return fmt.Errorf("get overall aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return &StorageTransactionError{Op: "commit", Err: err}
	}

	if overall.TotalXP != ledgerXP {
		violation := &InvariantViolation{UserID: userID, Field: "xp", LedgerSum: ledgerXP, AggregateSum: overall.TotalXP}
		s.placeHold(ctx, userID, violation.Error())
		return violation
	}
	if overall.TotalSKP != ledgerSKP+streakSKP {
		violation := &InvariantViolation{UserID: userID, Field: "skp", LedgerSum: ledgerSKP + streakSKP, AggregateSum: overall.TotalSKP}
		s.placeHold(ctx, userID, violation.Error())
		return violation
	}
	return nil
}

func (s *Store) placeHold(ctx context.Context, userID int64, reason string) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_holds (user_id, reason) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, reason,
	); err != nil {
		log.Printf("[rewards] failed to place audit hold for user %d: %v", userID, err)
	}
}

// ReleaseHold lifts an audit hold after manual reconciliation.
func (s *Store) ReleaseHold(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_holds WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	return nil
}

// ResetUser is the explicit admin reset: ledger entries are logically
// deleted, derived state is cleared, and any audit hold is released. All in
// one transaction.
func (s *Store) ResetUser(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageTransactionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return &StorageTransactionError{Op: "lock user", Err: err}
	}

	steps := []struct {
		op    string
		query string
	}{
		{"soft-delete ledger", `UPDATE ledger_entries SET deleted_at = NOW() WHERE user_id = $1 AND deleted_at IS NULL`},
		{"clear aggregates", `DELETE FROM scope_aggregates WHERE user_id = $1`},
		{"clear rollups", `DELETE FROM daily_rollups WHERE user_id = $1`},
		{"clear streak records", `DELETE FROM streak_bonus_records WHERE user_id = $1`},
		{"release hold", `DELETE FROM audit_holds WHERE user_id = $1`},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, userID); err != nil {
			return &StorageTransactionError{Op: step.op, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageTransactionError{Op: "commit", Err: err}
	}
	return nil
}

// ── Scan Helpers ────────────────────────────────────────

const ledgerEntryQuery = `SELECT id, user_id, event_id, kind, xp_earned, skp_earned, bonus_breakdown, created_at, deleted_at
	FROM ledger_entries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var bonusJSON []byte
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.EventID, &entry.Kind,
		&entry.XPEarned, &entry.SKPEarned, &bonusJSON, &entry.CreatedAt, &entry.DeletedAt); err != nil {
		return nil, err
	}
	if len(bonusJSON) > 0 {
		if err := json.Unmarshal(bonusJSON, &entry.BonusBreakdown); err != nil {
			return nil, fmt.Errorf("decode bonus breakdown: %w", err)
		}
	}
	return &entry, nil
}

func scanAggregate(row rowScanner) (*models.ScopeAggregate, error) {
	var agg models.ScopeAggregate
	if err := row.Scan(&agg.UserID, &agg.ScopeType, &agg.ScopeKey, &agg.TotalXP, &agg.TotalSKP,
		&agg.SessionsCompleted, &agg.CorrectCount, &agg.AnsweredCount, &agg.Accuracy,
		&agg.CurrentLevel, &agg.UpdatedAt); err != nil {
		return nil, err
	}
	return &agg, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
