package schedule

import (
	"context"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeed(ctx context.Context, e *Entry) error {
	return nil
}

func TestUpsertReplacesEntry(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testReminders)
	subject := createSubject(t, db)

	start := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{
		SubjectID:          subject,
		Target:             "60",
		TriggerTime:        start.Add(-time.Hour),
		SubjectScheduledAt: start,
	}))

	n, _, err := store.ProcessDue(ctx, time.Now(), 0, succeed)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// moving the game replaces the executed entry instead of adding a second one
	newStart := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{
		SubjectID:          subject,
		Target:             "60",
		TriggerTime:        newStart.Add(-time.Hour),
		SubjectScheduledAt: newStart,
	}))

	entries, err := store.ListForSubject(ctx, subject)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.False(t, entries[0].Executed)
	assert.WithinDuration(t, newStart.Add(-time.Hour), entries[0].TriggerTime, time.Millisecond)
	assert.WithinDuration(t, newStart, entries[0].SubjectScheduledAt.Time, time.Millisecond)
}

func TestUpsertValidation(t *testing.T) {
	store := NewStore(nil, testReminders)

	err := store.Upsert(context.Background(), nil, UpsertParams{SubjectID: 1, Target: "abc", TriggerTime: time.Now(), SubjectScheduledAt: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	err = store.Upsert(context.Background(), nil, UpsertParams{SubjectID: 1, Target: "60", TriggerTime: time.Now()})
	assert.ErrorIs(t, err, ErrMissingScheduledAt)
}

func TestProcessDueFailureKeepsEntryDue(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)

	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetInProgress, TriggerTime: time.Now().Add(-time.Second)}))

	n, _, err := store.ProcessDue(ctx, time.Now(), 0, func(ctx context.Context, e *Entry) error {
		return errors.New("broker down")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	entries, err := store.QueryDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Executed)
	assert.Contains(t, entries[0].LastError.String, "broker down")

	n, _, err = store.ProcessDue(ctx, time.Now(), 0, succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = store.ListForSubject(ctx, subject)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Executed)
	assert.False(t, entries[0].LastError.Valid)
}

func TestProcessDueTransientErrorStopsPass(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)

	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetInProgress, TriggerTime: time.Now().Add(-2 * time.Second)}))
	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetCompleted, TriggerTime: time.Now().Add(-time.Second)}))

	calls := 0
	_, failed, err := store.ProcessDue(ctx, time.Now(), 0, func(ctx context.Context, e *Entry) error {
		calls++
		return errors.New("broker down")
	})
	assert.Error(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 1, calls)
}

func TestProcessDueSkipsPermanentFailures(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)

	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetInProgress, TriggerTime: time.Now().Add(-2 * time.Second)}))
	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetCompleted, TriggerTime: time.Now().Add(-time.Second)}))

	var seen []string
	now := time.Now()
	n, failed, err := store.ProcessDue(ctx, now, 0, func(ctx context.Context, e *Entry) error {
		seen = append(seen, e.Target)
		if e.Target == TargetInProgress {
			return Permanent(errors.New("bad entry"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{TargetInProgress, TargetCompleted}, seen)
	require.Len(t, failed, 1)
	assert.True(t, IsPermanent(failed[0]))
	assert.Contains(t, failed[0].Error(), "bad entry")

	due, err := store.QueryDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, TargetInProgress, due[0].Target)
	assert.Contains(t, due[0].LastError.String, "bad entry")

	// the skipped entry doesn't count as upcoming, otherwise the daemon would spin on it
	_, ok, err := store.NextTriggerTime(ctx, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessDueOrderAndLimit(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testReminders)
	subject := createSubject(t, db)
	start := time.Now().Add(time.Hour)

	for _, minutes := range []int{15, 120, 60} {
		require.NoError(t, store.Upsert(ctx, nil, UpsertParams{
			SubjectID:          subject,
			Target:             ReminderTarget(minutes),
			TriggerTime:        time.Now().Add(-time.Duration(minutes) * time.Minute),
			SubjectScheduledAt: start,
		}))
	}

	var seen []string
	collect := func(ctx context.Context, e *Entry) error {
		seen = append(seen, e.Target)
		return nil
	}

	n, _, err := store.ProcessDue(ctx, time.Now(), 2, collect)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, _, err = store.ProcessDue(ctx, time.Now(), 2, collect)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"120", "60", "15"}, seen)
}

func TestFutureEntriesAreNotDue(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)

	_, ok, err := store.NextTriggerTime(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	trigger := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetCompleted, TriggerTime: trigger}))

	n, _, err := store.ProcessDue(ctx, time.Now(), 0, succeed)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	next, ok, err := store.NextTriggerTime(ctx, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, trigger, next, time.Millisecond)
}

func TestDeleteAllForSubject(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)
	other := createSubject(t, db)

	for _, s := range []int64{subject, other} {
		require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: s, Target: TargetInProgress, TriggerTime: time.Now()}))
		require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: s, Target: TargetCompleted, TriggerTime: time.Now().Add(time.Hour)}))
	}

	tx, err := db.Beginx()
	require.NoError(t, err)
	n, err := store.DeleteAllForSubject(ctx, tx, subject)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(2), n)

	entries, err := store.ListForSubject(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = store.ListForSubject(ctx, other)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// deleting the subject cascades
	_, err = db.Exec("DELETE FROM "+testSubjectsTable+" WHERE id = $1", other)
	require.NoError(t, err)
	entries, err = store.ListForSubject(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCountOverdueAndCleanup(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)

	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetInProgress, TriggerTime: time.Now().Add(-time.Hour)}))
	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetCompleted, TriggerTime: time.Now().Add(-time.Second)}))

	n, err := store.CountOverdue(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processed, _, err := store.ProcessDue(ctx, time.Now(), 0, succeed)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	// nothing is old enough yet
	removed, err := store.CleanupExecuted(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	NewCleaner(store).RunCleanup(ctx)

	removed, err = store.CleanupExecuted(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestPQWakerNotifiedOnChange(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	store := NewStore(db, testTransitions)
	subject := createSubject(t, db)

	waker, err := NewPQWaker(testutils.PQConnString(), testTransitions)
	require.NoError(t, err)
	defer waker.Close()

	require.NoError(t, store.Upsert(ctx, nil, UpsertParams{SubjectID: subject, Target: TargetInProgress, TriggerTime: time.Now().Add(time.Hour)}))

	select {
	case <-waker.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after upsert")
	}

	// marking entries as executed does not wake the daemon
	_, err = db.Exec("UPDATE "+testTransitions.Table+" SET executed = true WHERE subject_id = $1", subject)
	require.NoError(t, err)

	select {
	case <-waker.C():
		t.Fatal("notified for an executed entry")
	case <-time.After(500 * time.Millisecond):
	}
}
