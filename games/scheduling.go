package games

import (
	"context"
	"sort"
	"time"

	"github.com/botlabs-gg/gamesched/schedule"
	"github.com/jmoiron/sqlx"
)

// ScheduleEntries computes the schedule entries a game should have at now.
// Reminders whose trigger time already passed are left out, transitions are always included
// so a game whose start was missed still moves forward as soon as possible.
func ScheduleEntries(g *Game, now time.Time) (reminders, transitions []schedule.UpsertParams) {
	if g.Status.Closed() {
		return nil, nil
	}

	if g.Status == StatusScheduled {
		offsets := append([]int64{}, g.ReminderMinutes...)
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })

		for i, minutes := range offsets {
			if i > 0 && offsets[i-1] == minutes {
				continue
			}

			trigger := g.ScheduledAt.Add(-time.Duration(minutes) * time.Minute)
			if !trigger.After(now) {
				continue
			}

			reminders = append(reminders, schedule.UpsertParams{
				SubjectID:          g.ID,
				Target:             schedule.ReminderTarget(int(minutes)),
				TriggerTime:        trigger,
				SubjectScheduledAt: g.ScheduledAt,
			})
		}

		transitions = append(transitions, schedule.UpsertParams{
			SubjectID:   g.ID,
			Target:      schedule.TargetInProgress,
			TriggerTime: g.ScheduledAt,
		})
	}

	transitions = append(transitions, schedule.UpsertParams{
		SubjectID:   g.ID,
		Target:      schedule.TargetCompleted,
		TriggerTime: g.EndsAt(),
	})

	return reminders, transitions
}

// Scheduler keeps the schedule tables in sync with the games
type Scheduler struct {
	Reminders   *schedule.Store
	Transitions *schedule.Store
	Promotions  *schedule.Store

	now func() time.Time
}

func NewScheduler(reminders, transitions, promotions *schedule.Store) *Scheduler {
	return &Scheduler{
		Reminders:   reminders,
		Transitions: transitions,
		Promotions:  promotions,
		now:         time.Now,
	}
}

// Reschedule deletes the reminder and transition entries of the game and creates the ones it should have now.
// q should be the transaction the game itself was written in, so both are committed together.
// Pending promotions are left alone, the players got their slot no matter when the game takes place.
func (s *Scheduler) Reschedule(ctx context.Context, q sqlx.ExtContext, g *Game) error {
	if _, err := s.Reminders.DeleteAllForSubject(ctx, q, g.ID); err != nil {
		return err
	}

	if _, err := s.Transitions.DeleteAllForSubject(ctx, q, g.ID); err != nil {
		return err
	}

	reminders, transitions := ScheduleEntries(g, s.now())
	for _, v := range reminders {
		if err := s.Reminders.Upsert(ctx, q, v); err != nil {
			return err
		}
	}

	for _, v := range transitions {
		if err := s.Transitions.Upsert(ctx, q, v); err != nil {
			return err
		}
	}

	return nil
}

// Unschedule deletes every schedule entry of the game, pending promotions included
func (s *Scheduler) Unschedule(ctx context.Context, q sqlx.ExtContext, gameID int64) error {
	for _, store := range []*schedule.Store{s.Reminders, s.Transitions, s.Promotions} {
		if _, err := store.DeleteAllForSubject(ctx, q, gameID); err != nil {
			return err
		}
	}

	return nil
}

// SchedulePromotions queues a promotion entry per user, due right away.
// A user promoted again after being demoted gets a new entry in place of the executed one.
func (s *Scheduler) SchedulePromotions(ctx context.Context, q sqlx.ExtContext, gameID int64, userIDs []int64) error {
	now := s.now()
	for _, userID := range userIDs {
		err := s.Promotions.Upsert(ctx, q, schedule.UpsertParams{
			SubjectID:   gameID,
			Target:      schedule.PromotionTarget(userID),
			TriggerTime: now,
		})
		if err != nil {
			return err
		}
	}

	return nil
}
