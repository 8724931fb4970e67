package games

import (
	"testing"
	"time"

	"github.com/botlabs-gg/gamesched/schedule"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func targets(entries []schedule.UpsertParams) []string {
	var result []string
	for _, v := range entries {
		result = append(result, v.Target)
	}
	return result
}

func TestScheduleEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := &Game{
		ID:              4,
		ScheduledAt:     now.Add(3 * time.Hour),
		DurationSeconds: 7200,
		ReminderMinutes: pq.Int64Array{15, 60, 15, 1440},
		Status:          StatusScheduled,
	}

	reminders, transitions := ScheduleEntries(g, now)

	// the day before reminder already passed, the duplicate offset is scheduled once
	assert.Equal(t, []string{"60", "15"}, targets(reminders))
	assert.Equal(t, g.ScheduledAt.Add(-time.Hour), reminders[0].TriggerTime)
	assert.Equal(t, g.ScheduledAt, reminders[0].SubjectScheduledAt)
	assert.Equal(t, int64(4), reminders[1].SubjectID)

	assert.Equal(t, []string{schedule.TargetInProgress, schedule.TargetCompleted}, targets(transitions))
	assert.Equal(t, g.ScheduledAt, transitions[0].TriggerTime)
	assert.Equal(t, g.ScheduledAt.Add(2*time.Hour), transitions[1].TriggerTime)
}

func TestScheduleEntriesInProgress(t *testing.T) {
	now := time.Now()
	g := &Game{ScheduledAt: now.Add(-time.Minute), DurationSeconds: 3600, ReminderMinutes: pq.Int64Array{15}, Status: StatusInProgress}

	reminders, transitions := ScheduleEntries(g, now)
	assert.Empty(t, reminders)
	assert.Equal(t, []string{schedule.TargetCompleted}, targets(transitions))
}

func TestScheduleEntriesMissedStart(t *testing.T) {
	now := time.Now()
	g := &Game{ScheduledAt: now.Add(-time.Minute), DurationSeconds: 3600, ReminderMinutes: pq.Int64Array{15}, Status: StatusScheduled}

	reminders, transitions := ScheduleEntries(g, now)
	assert.Empty(t, reminders)
	assert.Equal(t, []string{schedule.TargetInProgress, schedule.TargetCompleted}, targets(transitions))
}

func TestScheduleEntriesClosed(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusCancelled} {
		g := &Game{ScheduledAt: time.Now().Add(time.Hour), DurationSeconds: 3600, ReminderMinutes: pq.Int64Array{15}, Status: status}
		reminders, transitions := ScheduleEntries(g, time.Now())
		assert.Empty(t, reminders, status)
		assert.Empty(t, transitions, status)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusCompleted, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusInProgress, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusScheduled, StatusCancelled, false},
		{StatusScheduled, "STARTED", false},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestGameValidate(t *testing.T) {
	valid := func() *Game {
		g := &Game{Title: "Raid night", ScheduledAt: time.Now().Add(time.Hour)}
		g.applyDefaults()
		return g
	}

	g := valid()
	assert.NoError(t, g.Validate())
	assert.Equal(t, time.Hour, g.Duration())
	assert.Equal(t, pq.Int64Array{60, 15}, g.ReminderMinutes)
	assert.Equal(t, StatusScheduled, g.Status)

	g = valid()
	g.Title = ""
	assert.ErrorIs(t, g.Validate(), ErrNoTitle)

	g = valid()
	g.ScheduledAt = time.Time{}
	assert.ErrorIs(t, g.Validate(), ErrNoStartTime)

	g = valid()
	g.DurationSeconds = -1
	assert.ErrorIs(t, g.Validate(), ErrInvalidDuration)

	g = valid()
	g.ReminderMinutes = pq.Int64Array{30, 0}
	assert.ErrorIs(t, g.Validate(), ErrInvalidReminder)
}
