package games

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botlabs-gg/gamesched/participants"
	"github.com/botlabs-gg/gamesched/schedule"
)

// memRepo is an in memory Repository, schedule entries are computed the same way the postgres one writes them
type memRepo struct {
	mu           sync.Mutex
	games        map[int64]*Game
	participants map[int64][]*participants.Participant
	reminders    map[int64][]schedule.UpsertParams
	transitions  map[int64][]schedule.UpsertParams
	// every promotion queued per game, in order
	promotions map[int64][]int64
	lastID     int64
	now        func() time.Time

	// failWrite fails the next writes before anything is changed
	failWrite error
	// beforeWrite runs once before the next UpdateGame or CancelGame, standing in for another process
	beforeWrite func()
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		games:        make(map[int64]*Game),
		participants: make(map[int64][]*participants.Participant),
		reminders:    make(map[int64][]schedule.UpsertParams),
		transitions:  make(map[int64][]schedule.UpsertParams),
		promotions:   make(map[int64][]int64),
		now:          time.Now,
	}
}

func (m *memRepo) reschedule(g *Game) {
	m.reminders[g.ID], m.transitions[g.ID] = ScheduleEntries(g, m.now())
}

func (m *memRepo) GetGame(ctx context.Context, id int64) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}

	cop := *g
	return &cop, nil
}

func (m *memRepo) CreateGame(ctx context.Context, g *Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastID++
	g.ID = m.lastID
	g.CreatedAt = m.now()
	g.UpdatedAt = g.CreatedAt

	cop := *g
	m.games[g.ID] = &cop
	m.reschedule(g)
	return nil
}

func (m *memRepo) runBeforeWrite() {
	m.mu.Lock()
	hook := m.beforeWrite
	m.beforeWrite = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (m *memRepo) UpdateGame(ctx context.Context, g *Game, changes ParticipantChanges) error {
	m.runBeforeWrite()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrite != nil {
		return m.failWrite
	}

	stored, ok := m.games[g.ID]
	if !ok {
		return ErrGameNotFound
	}

	if stored.Status.Closed() {
		return ErrGameClosed
	}

	if err := m.checkChanges(g.ID, changes); err != nil {
		return err
	}

	g.Status = stored.Status
	cop := *g
	m.games[g.ID] = &cop
	m.reschedule(g)
	m.applyChanges(g.ID, changes)
	return nil
}

func (m *memRepo) UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.games[id]
	if !ok || g.Status != from {
		return false, nil
	}

	g.Status = to
	return true, nil
}

func (m *memRepo) CancelGame(ctx context.Context, id int64, from Status) (bool, error) {
	m.runBeforeWrite()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrite != nil {
		return false, m.failWrite
	}

	g, ok := m.games[id]
	if !ok || g.Status != from {
		return false, nil
	}

	g.Status = StatusCancelled
	delete(m.reminders, id)
	delete(m.transitions, id)
	return true, nil
}

func (m *memRepo) DeleteGame(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.games[id]; !ok {
		return ErrGameNotFound
	}

	delete(m.games, id)
	delete(m.participants, id)
	delete(m.reminders, id)
	delete(m.transitions, id)
	delete(m.promotions, id)
	return nil
}

func (m *memRepo) ListParticipants(ctx context.Context, gameID int64) ([]*participants.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*participants.Participant
	for _, v := range m.participants[gameID] {
		cop := *v
		result = append(result, &cop)
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

func (m *memRepo) AddParticipant(ctx context.Context, p *participants.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastID++
	p.ID = m.lastID
	cop := *p
	m.participants[p.GameID] = append(m.participants[p.GameID], &cop)
	return nil
}

func (m *memRepo) UpdateParticipants(ctx context.Context, gameID int64, changes ParticipantChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrite != nil {
		return m.failWrite
	}

	if err := m.checkChanges(gameID, changes); err != nil {
		return err
	}

	m.applyChanges(gameID, changes)
	return nil
}

func (m *memRepo) findParticipant(gameID, id int64) *participants.Participant {
	for _, v := range m.participants[gameID] {
		if v.ID == id {
			return v
		}
	}

	return nil
}

// checkChanges verifies every change applies before any is made, like the rolled back transaction would
func (m *memRepo) checkChanges(gameID int64, changes ParticipantChanges) error {
	for _, v := range changes.Statuses {
		p := m.findParticipant(gameID, v.ParticipantID)
		if p == nil || p.Status != v.From {
			return ErrParticipantNotFound
		}
	}

	return nil
}

func (m *memRepo) applyChanges(gameID int64, changes ParticipantChanges) {
	for _, v := range changes.Statuses {
		m.findParticipant(gameID, v.ParticipantID).Status = v.To
	}

	m.promotions[gameID] = append(m.promotions[gameID], changes.Promoted...)
}

func (m *memRepo) queuedPromotions(gameID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int64(nil), m.promotions[gameID]...)
}

func (m *memRepo) statusOf(gameID int64, userID int64) participants.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.participants[gameID] {
		if v.UserID.Valid && v.UserID.Int64 == userID && v.Status != participants.StatusDropped {
			return v.Status
		}
	}

	return ""
}
