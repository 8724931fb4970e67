package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"emperror.dev/errors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/volatiletech/null/v8"
)

// Entry is one row of a schedule table
type Entry struct {
	ID          int64     `db:"id"`
	SubjectID   int64     `db:"subject_id"`
	Target      string    `db:"target"`
	TriggerTime time.Time `db:"trigger_time"`
	Executed    bool      `db:"executed"`

	// only set for kinds with HasSubjectScheduledAt
	SubjectScheduledAt null.Time `db:"subject_scheduled_at"`

	LastError null.String `db:"last_error"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

type UpsertParams struct {
	SubjectID          int64
	Target             string
	TriggerTime        time.Time
	SubjectScheduledAt time.Time
}

// ProcessFunc is called for each due entry while its row is locked, the entry is only marked as executed if it returns nil
type ProcessFunc func(ctx context.Context, entry *Entry) error

// Store does the queries against one schedule table
type Store struct {
	db   *sqlx.DB
	kind *Kind
}

func NewStore(db *sqlx.DB, kind *Kind) *Store {
	return &Store{
		db:   db,
		kind: kind,
	}
}

func (s *Store) Kind() *Kind {
	return s.kind
}

func (s *Store) columns() string {
	if s.kind.HasSubjectScheduledAt {
		return "id, subject_id, target, trigger_time, executed, subject_scheduled_at, last_error, created_at, updated_at"
	}

	return "id, subject_id, target, trigger_time, executed, NULL::timestamptz AS subject_scheduled_at, last_error, created_at, updated_at"
}

// Upsert inserts the entry, or replaces the trigger time of the existing (subject, target) entry and marks it as not executed.
// q can be a transaction so the entry is written together with the subject, nil uses the store's db.
func (s *Store) Upsert(ctx context.Context, q sqlx.ExtContext, p UpsertParams) error {
	if err := s.kind.ValidateTarget(p.Target); err != nil {
		return err
	}

	if q == nil {
		q = s.db
	}

	var err error
	if s.kind.HasSubjectScheduledAt {
		if p.SubjectScheduledAt.IsZero() {
			return ErrMissingScheduledAt
		}

		_, err = q.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (subject_id, target, trigger_time, subject_scheduled_at, executed)
VALUES ($1, $2, $3, $4, false)
ON CONFLICT (subject_id, target) DO UPDATE SET
	trigger_time = EXCLUDED.trigger_time,
	subject_scheduled_at = EXCLUDED.subject_scheduled_at,
	executed = false,
	last_error = NULL,
	updated_at = now()`, s.kind.Table), p.SubjectID, p.Target, p.TriggerTime, p.SubjectScheduledAt)
	} else {
		_, err = q.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (subject_id, target, trigger_time, executed)
VALUES ($1, $2, $3, false)
ON CONFLICT (subject_id, target) DO UPDATE SET
	trigger_time = EXCLUDED.trigger_time,
	executed = false,
	last_error = NULL,
	updated_at = now()`, s.kind.Table), p.SubjectID, p.Target, p.TriggerTime)
	}

	return errors.WithStackIf(err)
}

// DeleteAllForSubject removes every entry of the subject, executed or not
func (s *Store) DeleteAllForSubject(ctx context.Context, q sqlx.ExtContext, subjectID int64) (int64, error) {
	if q == nil {
		q = s.db
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE subject_id = $1", s.kind.Table), subjectID)
	if err != nil {
		return 0, errors.WithStackIf(err)
	}

	n, err := res.RowsAffected()
	return n, errors.WithStackIf(err)
}

func (s *Store) ListForSubject(ctx context.Context, subjectID int64) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.SelectContext(ctx, &entries, fmt.Sprintf("SELECT %s FROM %s WHERE subject_id = $1 ORDER BY trigger_time ASC, id ASC",
		s.columns(), s.kind.Table), subjectID)
	return entries, errors.WithStackIf(err)
}

// QueryDue returns the entries that are due but not executed, without locking them
func (s *Store) QueryDue(ctx context.Context, now time.Time) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.SelectContext(ctx, &entries, fmt.Sprintf("SELECT %s FROM %s WHERE executed = false AND trigger_time <= $1 ORDER BY trigger_time ASC, id ASC",
		s.columns(), s.kind.Table), now)
	return entries, errors.WithStackIf(err)
}

// NextTriggerTime returns the earliest trigger time after the provided time of the pending entries, ok is false if there are none.
// Entries already due at after are left out, those were either processed or skipped by the pass that started then.
func (s *Store) NextTriggerTime(ctx context.Context, after time.Time) (t time.Time, ok bool, err error) {
	var next null.Time
	err = s.db.GetContext(ctx, &next, fmt.Sprintf("SELECT min(trigger_time) FROM %s WHERE executed = false AND trigger_time > $1", s.kind.Table), after)
	if err != nil {
		return t, false, errors.WithStackIf(err)
	}

	return next.Time, next.Valid, nil
}

// CountOverdue counts the pending entries that should have triggered before t
func (s *Store) CountOverdue(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, fmt.Sprintf("SELECT count(*) FROM %s WHERE executed = false AND trigger_time < $1", s.kind.Table), before)
	return n, errors.WithStackIf(err)
}

// CleanupExecuted deletes executed entries last touched before the provided time
func (s *Store) CleanupExecuted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE executed = true AND updated_at < $1", s.kind.Table), before)
	if err != nil {
		return 0, errors.WithStackIf(err)
	}

	n, err := res.RowsAffected()
	return n, errors.WithStackIf(err)
}

// ProcessDue claims the due entries one at a time with FOR UPDATE SKIP LOCKED and calls fn for each while the row is locked.
// The row is marked as executed in the same transaction, after fn returned successfully.
//
// Entries that failed with a permanent error stay due but are skipped for the rest of the pass, their errors are returned in failed.
// Any other error from fn stops the pass and is returned in err together with the store errors.
// Cancelling ctx stops the pass between entries, the entry being processed is finished first.
func (s *Store) ProcessDue(ctx context.Context, now time.Time, limit int, fn ProcessFunc) (processed int, failed []error, err error) {
	skipped := make([]int64, 0)
	var errs []error

	itemCtx := context.WithoutCancel(ctx)
	for limit <= 0 || processed+len(skipped) < limit {
		if ctx.Err() != nil {
			break
		}

		entry, fnErr, storeErr := s.processNext(itemCtx, now, skipped, fn)
		if storeErr != nil {
			errs = append(errs, storeErr)
			break
		}

		if entry == nil {
			// nothing more due
			break
		}

		if fnErr == nil {
			processed++
			continue
		}

		fnErr = errors.WithMessagef(fnErr, "%s entry %d (subject %d, target %s)", s.kind.Name, entry.ID, entry.SubjectID, entry.Target)
		if recordErr := s.recordError(itemCtx, entry.ID, fnErr); recordErr != nil {
			errs = append(errs, recordErr)
		}

		if !IsPermanent(fnErr) {
			errs = append(errs, fnErr)
			break
		}

		failed = append(failed, fnErr)
		skipped = append(skipped, entry.ID)
	}

	return processed, failed, errors.Combine(errs...)
}

func (s *Store) processNext(ctx context.Context, now time.Time, skip []int64, fn ProcessFunc) (entry *Entry, fnErr error, storeErr error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, errors.WithStackIf(err)
	}

	var e Entry
	err = tx.GetContext(ctx, &e, fmt.Sprintf(`
SELECT %s FROM %s
WHERE executed = false AND trigger_time <= $1 AND NOT (id = ANY($2))
ORDER BY trigger_time ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, s.columns(), s.kind.Table), now, pq.Int64Array(skip))
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}

		return nil, nil, errors.WithStackIf(err)
	}

	err = fn(ctx, &e)
	if err != nil {
		tx.Rollback()
		return &e, err, nil
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET executed = true, last_error = NULL, updated_at = now() WHERE id = $1", s.kind.Table), e.ID)
	if err != nil {
		tx.Rollback()
		return &e, nil, errors.WithMessage(err, "mark executed")
	}

	err = tx.Commit()
	if err != nil {
		return &e, nil, errors.WithMessage(err, "commit")
	}

	e.Executed = true
	return &e, nil, nil
}

func (s *Store) recordError(ctx context.Context, id int64, processErr error) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET last_error = $2, updated_at = now() WHERE id = $1", s.kind.Table), id, processErr.Error())
	return errors.WithStackIf(err)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent marks an error as one that retrying the entry won't fix
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
