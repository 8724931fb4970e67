package games

import (
	"context"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common/dedupe"
	"github.com/botlabs-gg/gamesched/events"
	"github.com/botlabs-gg/gamesched/participants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"
)

type recordingNotifier struct {
	mu         sync.Mutex
	reminders  []int64
	promotions []int64
	changes    []Status

	// failFor fails the next notification sent to these users
	failFor map[int64]bool
}

func (r *recordingNotifier) fail(userID int64) error {
	if r.failFor[userID] {
		delete(r.failFor, userID)
		return errors.New("user has dms closed")
	}
	return nil
}

func (r *recordingNotifier) SendReminder(ctx context.Context, g *Game, minutes int, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(userID); err != nil {
		return err
	}
	r.reminders = append(r.reminders, userID)
	return nil
}

func (r *recordingNotifier) SendPromotion(ctx context.Context, g *Game, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(userID); err != nil {
		return err
	}
	r.promotions = append(r.promotions, userID)
	return nil
}

func (r *recordingNotifier) StatusChanged(ctx context.Context, g *Game, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, to)
	return nil
}

type handlerFixture struct {
	repo     *memRepo
	notifier *recordingNotifier
	handlers *Handlers
	registry *events.Registry
	now      time.Time
	game     *Game
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	f := &handlerFixture{
		repo:     newMemRepo(),
		notifier: &recordingNotifier{failFor: make(map[int64]bool)},
		registry: events.NewRegistry(),
		now:      time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}
	f.repo.now = func() time.Time { return f.now }

	f.handlers = NewHandlers(f.repo, f.notifier, dedupe.NewMemoryMarker())
	f.handlers.now = func() time.Time { return f.now }
	f.handlers.Register(f.registry)

	f.game = &Game{
		Title:       "Raid",
		ScheduledAt: f.now.Add(time.Hour),
		MaxPlayers:  3,
	}
	f.game.applyDefaults()
	require.NoError(t, f.repo.CreateGame(context.Background(), f.game))
	return f
}

func (f *handlerFixture) join(t *testing.T, userID int64, name string, status participants.Status) {
	p := &participants.Participant{GameID: f.game.ID, Status: status, JoinedAt: f.now}
	if name != "" {
		p.DisplayName = null.StringFrom(name)
	} else {
		p.UserID = null.Int64From(userID)
	}

	f.now = f.now.Add(time.Second)
	require.NoError(t, f.repo.AddParticipant(context.Background(), p))
}

// dispatch runs the handlers the way the consumer does
func (f *handlerFixture) dispatch(t *testing.T, evt *events.Event) error {
	var errs []error
	for _, h := range f.registry.Handlers(evt.Type) {
		if err := h.HandleEvent(context.Background(), evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Combine(errs...)
}

func (f *handlerFixture) status(t *testing.T) Status {
	g, err := f.repo.GetGame(context.Background(), f.game.ID)
	require.NoError(t, err)
	return g.Status
}

func newEvent(t *testing.T, et events.EventType, data interface{}) *events.Event {
	evt, err := events.NewEvent(et, data)
	require.NoError(t, err)
	return evt
}

func TestTransitionRedeliveryIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t)
	start := newEvent(t, events.EventTransitionDue, &events.TransitionDue{GameID: f.game.ID, TargetStatus: string(StatusInProgress)})

	require.NoError(t, f.dispatch(t, start))
	require.NoError(t, f.dispatch(t, start))
	assert.Equal(t, StatusInProgress, f.status(t))
	assert.Equal(t, []Status{StatusInProgress}, f.notifier.changes)

	end := newEvent(t, events.EventTransitionDue, &events.TransitionDue{GameID: f.game.ID, TargetStatus: string(StatusCompleted)})
	require.NoError(t, f.dispatch(t, end))

	// a late redelivery never moves the game backwards
	require.NoError(t, f.dispatch(t, start))
	assert.Equal(t, StatusCompleted, f.status(t))
	assert.Equal(t, []Status{StatusInProgress, StatusCompleted}, f.notifier.changes)
}

func TestTransitionCancelledGame(t *testing.T) {
	f := newHandlerFixture(t)
	_, err := f.repo.UpdateStatus(context.Background(), f.game.ID, StatusScheduled, StatusCancelled)
	require.NoError(t, err)

	evt := newEvent(t, events.EventTransitionDue, &events.TransitionDue{GameID: f.game.ID, TargetStatus: string(StatusInProgress)})
	require.NoError(t, f.dispatch(t, evt))
	assert.Equal(t, StatusCancelled, f.status(t))
	assert.Empty(t, f.notifier.changes)
}

func TestEventsForDeletedGame(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.repo.DeleteGame(context.Background(), f.game.ID))

	assert.NoError(t, f.dispatch(t, newEvent(t, events.EventTransitionDue, &events.TransitionDue{GameID: f.game.ID, TargetStatus: string(StatusInProgress)})))
	assert.NoError(t, f.dispatch(t, newEvent(t, events.EventReminderDue, &events.ReminderDue{GameID: f.game.ID, ReminderMinutes: 60, ScheduledAt: f.game.ScheduledAt})))
	assert.NoError(t, f.dispatch(t, newEvent(t, events.EventPromotionDue, &events.PromotionDue{GameID: f.game.ID, UserIDs: []int64{1}})))
}

func TestReminderGoesToConfirmedPlayers(t *testing.T) {
	f := newHandlerFixture(t)
	f.join(t, 0, "Pre-booked", participants.StatusPlaceholder)
	f.join(t, 100, "", participants.StatusJoined)
	f.join(t, 101, "", participants.StatusJoined)
	f.join(t, 102, "", participants.StatusWaitlist)

	evt := newEvent(t, events.EventReminderDue, &events.ReminderDue{GameID: f.game.ID, ReminderMinutes: 60, ScheduledAt: f.game.ScheduledAt})
	require.NoError(t, f.dispatch(t, evt))
	assert.Equal(t, []int64{100, 101}, f.notifier.reminders)

	// redelivered, nobody is reminded twice
	require.NoError(t, f.dispatch(t, evt))
	assert.Equal(t, []int64{100, 101}, f.notifier.reminders)
}

func TestReminderFailureRetriesOnlyFailedUsers(t *testing.T) {
	f := newHandlerFixture(t)
	f.join(t, 100, "", participants.StatusJoined)
	f.join(t, 101, "", participants.StatusJoined)
	f.notifier.failFor[101] = true

	evt := newEvent(t, events.EventReminderDue, &events.ReminderDue{GameID: f.game.ID, ReminderMinutes: 15, ScheduledAt: f.game.ScheduledAt})
	assert.Error(t, f.dispatch(t, evt))
	assert.Equal(t, []int64{100}, f.notifier.reminders)

	require.NoError(t, f.dispatch(t, evt))
	assert.Equal(t, []int64{100, 101}, f.notifier.reminders)
}

func TestStaleReminderIsNoop(t *testing.T) {
	f := newHandlerFixture(t)
	f.join(t, 100, "", participants.StatusJoined)

	// built for a start time the game was moved away from
	moved := newEvent(t, events.EventReminderDue, &events.ReminderDue{GameID: f.game.ID, ReminderMinutes: 60, ScheduledAt: f.game.ScheduledAt.Add(-time.Hour)})
	require.NoError(t, f.dispatch(t, moved))

	// republished from the dead letter queue after the game started
	late := newEvent(t, events.EventReminderDue, &events.ReminderDue{GameID: f.game.ID, ReminderMinutes: 60, ScheduledAt: f.game.ScheduledAt})
	f.now = f.game.ScheduledAt.Add(time.Minute)
	require.NoError(t, f.dispatch(t, late))

	assert.Empty(t, f.notifier.reminders)
}

func TestReminderForStartedGameIsNoop(t *testing.T) {
	f := newHandlerFixture(t)
	f.join(t, 100, "", participants.StatusJoined)
	_, err := f.repo.UpdateStatus(context.Background(), f.game.ID, StatusScheduled, StatusInProgress)
	require.NoError(t, err)

	evt := newEvent(t, events.EventReminderDue, &events.ReminderDue{GameID: f.game.ID, ReminderMinutes: 15, ScheduledAt: f.game.ScheduledAt})
	require.NoError(t, f.dispatch(t, evt))
	assert.Empty(t, f.notifier.reminders)
}

func TestPromotionNotifiesStillConfirmedUsers(t *testing.T) {
	f := newHandlerFixture(t)
	f.join(t, 100, "", participants.StatusJoined)
	f.join(t, 101, "", participants.StatusJoined)
	f.join(t, 102, "", participants.StatusJoined)
	f.join(t, 103, "", participants.StatusWaitlist)

	// 103 lost the slot again before the event was handled
	evt := newEvent(t, events.EventPromotionDue, &events.PromotionDue{GameID: f.game.ID, UserIDs: []int64{102, 103}})
	require.NoError(t, f.dispatch(t, evt))
	require.NoError(t, f.dispatch(t, evt))

	assert.Equal(t, []int64{102}, f.notifier.promotions)
}
