package games

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notifier delivers what happened to a game to its players, the chat and web layers implement it
type Notifier interface {
	SendReminder(ctx context.Context, g *Game, minutes int, userID int64) error
	SendPromotion(ctx context.Context, g *Game, userID int64) error
	StatusChanged(ctx context.Context, g *Game, from, to Status) error
}

// LogNotifier only logs, used when nothing else is wired up
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) SendReminder(ctx context.Context, g *Game, minutes int, userID int64) error {
	logger.WithFields(logrus.Fields{"game": g.ID, "user": userID}).Infof("reminder: %q starts in %d minutes", g.Title, minutes)
	return nil
}

func (LogNotifier) SendPromotion(ctx context.Context, g *Game, userID int64) error {
	logger.WithFields(logrus.Fields{"game": g.ID, "user": userID}).Infof("promoted from the waitlist of %q", g.Title)
	return nil
}

func (LogNotifier) StatusChanged(ctx context.Context, g *Game, from, to Status) error {
	logger.WithField("game", g.ID).Infof("%q changed from %s to %s", g.Title, from, to)
	return nil
}
