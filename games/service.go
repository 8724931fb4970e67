package games

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common/keylock"
	"github.com/botlabs-gg/gamesched/participants"
	"github.com/volatiletech/null/v8"
)

// Service is the entry point for changes to games and their participants.
// Changes to the same game are serialized within the process.
// Promotions are queued in the promotions schedule table, the promotions daemon publishes them.
type Service struct {
	repo     Repository
	notifier Notifier

	locks *keylock.KeyLock[int64]
	now   func() time.Time
}

func NewService(repo Repository, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		locks:    keylock.NewKeyLock[int64](),
		now:      time.Now,
	}
}

func (s *Service) lock(ctx context.Context, gameID int64) (unlock func(), err error) {
	h, err := s.locks.Lock(ctx, gameID, time.Minute)
	if err != nil {
		return nil, errors.WithMessage(err, "lock game")
	}

	return func() { s.locks.Unlock(gameID, h) }, nil
}

func (s *Service) GetGame(ctx context.Context, id int64) (*Game, error) {
	return s.repo.GetGame(ctx, id)
}

// CreateGame stores a new game and schedules its reminders and transitions
func (s *Service) CreateGame(ctx context.Context, g *Game) error {
	g.Status = StatusScheduled
	g.applyDefaults()
	if err := g.Validate(); err != nil {
		return err
	}

	err := s.repo.CreateGame(ctx, g)
	if err != nil {
		return err
	}

	logger.WithField("game", g.ID).Info("created game")
	return nil
}

// UpdateGame applies changes to the title, timing, reminders or capacity of a game.
// All of its schedule entries are replaced, and players that got a slot from a capacity increase are promoted.
func (s *Service) UpdateGame(ctx context.Context, g *Game) error {
	unlock, err := s.lock(ctx, g.ID)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := s.repo.GetGame(ctx, g.ID)
	if err != nil {
		return err
	}

	if existing.Status.Closed() {
		return ErrGameClosed
	}

	g.Status = existing.Status
	g.CreatedAt = existing.CreatedAt
	g.applyDefaults()
	if err := g.Validate(); err != nil {
		return err
	}

	list, err := s.repo.ListParticipants(ctx, g.ID)
	if err != nil {
		return err
	}

	changes := partitionChanges(participants.Split(list, existing.MaxPlayers), participants.Split(list, g.MaxPlayers))
	if err = s.repo.UpdateGame(ctx, g, changes); err != nil {
		return err
	}

	logPromotions(g.ID, changes.Promoted)
	return nil
}

// SetCapacity changes the max players of a game, promoting or demoting players as needed
func (s *Service) SetCapacity(ctx context.Context, gameID int64, capacity int) error {
	unlock, err := s.lock(ctx, gameID)
	if err != nil {
		return err
	}
	defer unlock()

	g, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return err
	}

	if g.Status.Closed() {
		return ErrGameClosed
	}

	list, err := s.repo.ListParticipants(ctx, gameID)
	if err != nil {
		return err
	}

	changes := partitionChanges(participants.Split(list, g.MaxPlayers), participants.Split(list, capacity))
	g.MaxPlayers = capacity
	if err = s.repo.UpdateGame(ctx, g, changes); err != nil {
		return err
	}

	logPromotions(g.ID, changes.Promoted)
	return nil
}

// CancelGame cancels the game and removes all of its pending schedule entries.
// The status is only changed from the one last read, a consumer moving the game on in the meantime is never overwritten.
func (s *Service) CancelGame(ctx context.Context, gameID int64) error {
	unlock, err := s.lock(ctx, gameID)
	if err != nil {
		return err
	}
	defer unlock()

	var g *Game
	for {
		g, err = s.repo.GetGame(ctx, gameID)
		if err != nil {
			return err
		}

		if g.Status.Closed() {
			return ErrGameClosed
		}

		cancelled, err := s.repo.CancelGame(ctx, gameID, g.Status)
		if err != nil {
			return err
		}

		if cancelled {
			break
		}

		// statuses only move forward, so this ends once the game is closed
		logger.WithField("game", gameID).Debugf("status changed from %s while cancelling, retrying", g.Status)
	}

	from := g.Status
	g.Status = StatusCancelled
	if err = s.notifier.StatusChanged(ctx, g, from, StatusCancelled); err != nil {
		logger.WithError(err).WithField("game", gameID).Error("failed notifying about cancelled game")
	}

	return nil
}

func (s *Service) DeleteGame(ctx context.Context, gameID int64) error {
	unlock, err := s.lock(ctx, gameID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.repo.DeleteGame(ctx, gameID)
}

// Join adds a user to the game, on the waitlist if the game is full
func (s *Service) Join(ctx context.Context, gameID, userID int64) (*participants.Participant, error) {
	return s.addParticipant(ctx, gameID, &participants.Participant{
		UserID: null.Int64From(userID),
		Status: participants.StatusJoined,
	})
}

// AddPlaceholder reserves a slot for someone without an account, placeholders count towards the capacity
func (s *Service) AddPlaceholder(ctx context.Context, gameID int64, displayName string, prePopulated bool) (*participants.Participant, error) {
	return s.addParticipant(ctx, gameID, &participants.Participant{
		DisplayName:    null.StringFrom(displayName),
		Status:         participants.StatusPlaceholder,
		IsPrePopulated: prePopulated,
	})
}

func (s *Service) addParticipant(ctx context.Context, gameID int64, p *participants.Participant) (*participants.Participant, error) {
	unlock, err := s.lock(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	if g.Status.Closed() {
		return nil, ErrGameClosed
	}

	list, err := s.repo.ListParticipants(ctx, gameID)
	if err != nil {
		return nil, err
	}

	if p.UserID.Valid {
		for _, v := range list {
			if v.UserID == p.UserID && v.Status.OccupiesSlot() {
				return nil, ErrAlreadyJoined
			}
		}
	}

	p.GameID = gameID
	p.JoinedAt = s.now()
	if err = p.Validate(); err != nil {
		return nil, err
	}

	partition := participants.Split(append(list, p), g.MaxPlayers)
	if !p.IsPlaceholder() && !partition.IsConfirmed(p.UserID.Int64) {
		p.Status = participants.StatusWaitlist
	}

	if err = s.repo.AddParticipant(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// RemoveParticipant drops a participant, the first waitlisted players take the freed slot
func (s *Service) RemoveParticipant(ctx context.Context, gameID, participantID int64) error {
	unlock, err := s.lock(ctx, gameID)
	if err != nil {
		return err
	}
	defer unlock()

	g, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return err
	}

	list, err := s.repo.ListParticipants(ctx, gameID)
	if err != nil {
		return err
	}

	var removed *participants.Participant
	for _, v := range list {
		if v.ID == participantID {
			removed = v
			break
		}
	}

	if removed == nil || removed.Status == participants.StatusDropped {
		return ErrParticipantNotFound
	}

	changes := ParticipantChanges{
		Statuses: []StatusChange{{ParticipantID: removed.ID, From: removed.Status, To: participants.StatusDropped}},
	}

	if !g.Status.Closed() {
		old := participants.Split(list, g.MaxPlayers)
		removed.Status = participants.StatusDropped

		moved := partitionChanges(old, participants.Split(list, g.MaxPlayers))
		changes.Statuses = append(changes.Statuses, moved.Statuses...)
		changes.Promoted = moved.Promoted
	}

	if err = s.repo.UpdateParticipants(ctx, gameID, changes); err != nil {
		return err
	}

	logPromotions(gameID, changes.Promoted)
	return nil
}

// partitionChanges returns the status changes that move the participants into the new partition,
// along with the users that went from the overflow to a confirmed slot
func partitionChanges(old, new participants.Partition) ParticipantChanges {
	var changes ParticipantChanges
	for _, p := range new.Confirmed {
		if p.Status == participants.StatusWaitlist {
			changes.Statuses = append(changes.Statuses, StatusChange{ParticipantID: p.ID, From: participants.StatusWaitlist, To: participants.StatusJoined})
		}
	}

	for _, p := range new.Overflow {
		if p.Status == participants.StatusJoined {
			changes.Statuses = append(changes.Statuses, StatusChange{ParticipantID: p.ID, From: participants.StatusJoined, To: participants.StatusWaitlist})
		}
	}

	changes.Promoted = participants.Promoted(old, new)
	return changes
}

func logPromotions(gameID int64, promoted []int64) {
	if len(promoted) > 0 {
		logger.WithField("game", gameID).Infof("queued the promotion of %v", promoted)
	}
}
