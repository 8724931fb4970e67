package games

import (
	"context"
	"fmt"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common/dedupe"
	"github.com/botlabs-gg/gamesched/events"
	"github.com/botlabs-gg/gamesched/participants"
	"github.com/sirupsen/logrus"
)

// Handlers react to the events published for games.
// Every handler can be called more than once for the same event, and with stale events.
type Handlers struct {
	repo     Repository
	notifier Notifier
	marker   dedupe.Marker

	now func() time.Time
}

func NewHandlers(repo Repository, notifier Notifier, marker dedupe.Marker) *Handlers {
	return &Handlers{
		repo:     repo,
		notifier: notifier,
		marker:   marker,
		now:      time.Now,
	}
}

// Register adds the handlers to the registry
func (h *Handlers) Register(r *events.Registry) {
	r.OnReminderDue(h.HandleReminder)
	r.OnTransitionDue(h.HandleTransition)
	r.OnPromotionDue(h.HandlePromotion)
}

// getGame returns nil without an error for games that no longer exist
func (h *Handlers) getGame(ctx context.Context, id int64) (*Game, error) {
	g, err := h.repo.GetGame(ctx, id)
	if errors.Is(err, ErrGameNotFound) {
		logger.WithField("game", id).Debug("event for deleted game")
		return nil, nil
	}

	return g, err
}

// HandleTransition moves the game to the target status, unless it's already there or past it
func (h *Handlers) HandleTransition(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
	g, err := h.getGame(ctx, data.GameID)
	if err != nil || g == nil {
		return err
	}

	target := Status(data.TargetStatus)
	l := logger.WithFields(logrus.Fields{"game": g.ID, "from": g.Status, "to": target})
	if !g.Status.CanTransition(target) {
		l.Debug("ignoring transition")
		return nil
	}

	from := g.Status
	updated, err := h.repo.UpdateStatus(ctx, g.ID, from, target)
	if err != nil {
		return err
	}

	if !updated {
		// changed by someone else since we read it
		l.Debug("game changed status concurrently, ignoring transition")
		return nil
	}

	g.Status = target
	l.Info("game changed status")

	if err := h.notifier.StatusChanged(ctx, g, from, target); err != nil {
		l.WithError(err).Error("failed notifying about status change")
	}

	return nil
}

// HandleReminder reminds the confirmed players of a game that is about to start.
// Reminders for games that were moved, started or cancelled since the reminder was scheduled are ignored.
func (h *Handlers) HandleReminder(ctx context.Context, evt *events.Event, data *events.ReminderDue) error {
	g, err := h.getGame(ctx, data.GameID)
	if err != nil || g == nil {
		return err
	}

	l := logger.WithFields(logrus.Fields{"game": g.ID, "minutes": data.ReminderMinutes})
	now := h.now()
	switch {
	case g.Status != StatusScheduled:
		l.Debug("ignoring reminder for game that is not scheduled anymore")
		return nil
	case !g.ScheduledAt.Equal(data.ScheduledAt):
		l.Debug("ignoring reminder for game that was moved")
		return nil
	case !now.Before(g.ScheduledAt):
		l.Debug("ignoring reminder for game that already started")
		return nil
	}

	list, err := h.repo.ListParticipants(ctx, g.ID)
	if err != nil {
		return err
	}

	// placeholders take slots, so the split happens before picking out the users to remind
	userIDs := participants.Split(list, g.MaxPlayers).ConfirmedUserIDs()

	ttl := g.ScheduledAt.Sub(now) + time.Hour
	var errs []error
	for _, userID := range userIDs {
		key := fmt.Sprintf("reminder:%d:%d:%d:%d", g.ID, g.ScheduledAt.Unix(), data.ReminderMinutes, userID)
		if err := h.notifyOnce(key, ttl, func() error {
			return h.notifier.SendReminder(ctx, g, data.ReminderMinutes, userID)
		}); err != nil {
			errs = append(errs, errors.WithMessagef(err, "user %d", userID))
		}
	}

	return errors.Combine(errs...)
}

// HandlePromotion tells the promoted users they got a slot, users that lost it again in the meantime are skipped
func (h *Handlers) HandlePromotion(ctx context.Context, evt *events.Event, data *events.PromotionDue) error {
	g, err := h.getGame(ctx, data.GameID)
	if err != nil || g == nil {
		return err
	}

	if g.Status.Closed() {
		return nil
	}

	list, err := h.repo.ListParticipants(ctx, g.ID)
	if err != nil {
		return err
	}

	partition := participants.Split(list, g.MaxPlayers)

	var errs []error
	for _, userID := range data.UserIDs {
		if !partition.IsConfirmed(userID) {
			continue
		}

		key := fmt.Sprintf("promotion:%s:%d", evt.ID, userID)
		if err := h.notifyOnce(key, time.Hour*24, func() error {
			return h.notifier.SendPromotion(ctx, g, userID)
		}); err != nil {
			errs = append(errs, errors.WithMessagef(err, "user %d", userID))
		}
	}

	return errors.Combine(errs...)
}

// notifyOnce runs fn unless key was marked already, the mark is removed again if fn fails so a redelivery retries it
func (h *Handlers) notifyOnce(key string, ttl time.Duration, fn func() error) error {
	ok, err := h.marker.MarkOnce(key, ttl)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	err = fn()
	if err != nil {
		if unmarkErr := h.marker.Unmark(key); unmarkErr != nil {
			err = errors.Combine(err, unmarkErr)
		}
	}

	return err
}
