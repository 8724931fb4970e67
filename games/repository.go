package games

import (
	"context"
	"database/sql"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/participants"
	"github.com/jmoiron/sqlx"
)

// Repository stores games and their participants.
// Writes that change a game's timing or status also replace its schedule entries in the same transaction.
type Repository interface {
	GetGame(ctx context.Context, id int64) (*Game, error)
	CreateGame(ctx context.Context, g *Game) error
	// UpdateGame writes everything but the status, which is read back into g under a row lock before the
	// schedule entries are replaced. changes are applied in the same transaction.
	UpdateGame(ctx context.Context, g *Game, changes ParticipantChanges) error
	// UpdateStatus moves the game to status "to" only if it's currently in "from", returning false otherwise
	UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error)
	// CancelGame cancels the game and removes its schedule entries only if it's currently in "from", returning false otherwise
	CancelGame(ctx context.Context, id int64, from Status) (bool, error)
	DeleteGame(ctx context.Context, id int64) error

	ListParticipants(ctx context.Context, gameID int64) ([]*participants.Participant, error)
	AddParticipant(ctx context.Context, p *participants.Participant) error
	UpdateParticipants(ctx context.Context, gameID int64, changes ParticipantChanges) error
}

// StatusChange moves a participant from one status to another,
// it fails with ErrParticipantNotFound if the participant is no longer in status From
type StatusChange struct {
	ParticipantID int64
	From          participants.Status
	To            participants.Status
}

// ParticipantChanges are written in one transaction together with a promotion entry for each promoted user,
// so a promotion is never lost between the status change and the notification
type ParticipantChanges struct {
	Statuses []StatusChange
	Promoted []int64
}

// PGRepository is the postgres implementation of Repository
type PGRepository struct {
	db        *sqlx.DB
	scheduler *Scheduler
}

var _ Repository = (*PGRepository)(nil)

func NewPGRepository(db *sqlx.DB, scheduler *Scheduler) *PGRepository {
	return &PGRepository{
		db:        db,
		scheduler: scheduler,
	}
}

const gameColumns = "id, guild_id, channel_id, host_id, title, scheduled_at, duration_seconds, max_players, reminder_minutes, status, created_at, updated_at"

func (r *PGRepository) GetGame(ctx context.Context, id int64) (*Game, error) {
	var g Game
	err := r.db.GetContext(ctx, &g, "SELECT "+gameColumns+" FROM games WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGameNotFound
		}

		return nil, errors.WithStackIf(err)
	}

	return &g, nil
}

func (r *PGRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WithStackIf(err)
	}

	err = fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	return errors.WithStackIf(tx.Commit())
}

func (r *PGRepository) CreateGame(ctx context.Context, g *Game) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := sqlx.NamedQueryContext(ctx, tx, `
INSERT INTO games (guild_id, channel_id, host_id, title, scheduled_at, duration_seconds, max_players, reminder_minutes, status)
VALUES (:guild_id, :channel_id, :host_id, :title, :scheduled_at, :duration_seconds, :max_players, :reminder_minutes, :status)
RETURNING id, created_at, updated_at`, g)
		if err != nil {
			return errors.WithStackIf(err)
		}

		if rows.Next() {
			err = rows.Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
		} else {
			err = rows.Err()
		}
		rows.Close()
		if err != nil {
			return errors.WithStackIf(err)
		}

		return r.scheduler.Reschedule(ctx, tx, g)
	})
}

func (r *PGRepository) UpdateGame(ctx context.Context, g *Game, changes ParticipantChanges) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		// a transition committed by a consumer since the caller read the game must not be undone
		var status Status
		err := tx.GetContext(ctx, &status, "SELECT status FROM games WHERE id = $1 FOR UPDATE", g.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrGameNotFound
			}

			return errors.WithStackIf(err)
		}

		if status.Closed() {
			return ErrGameClosed
		}

		g.Status = status
		g.UpdatedAt = time.Now()
		_, err = sqlx.NamedExecContext(ctx, tx, `
UPDATE games SET
	title = :title,
	scheduled_at = :scheduled_at,
	duration_seconds = :duration_seconds,
	max_players = :max_players,
	reminder_minutes = :reminder_minutes,
	updated_at = :updated_at
WHERE id = :id`, g)
		if err != nil {
			return errors.WithStackIf(err)
		}

		if err = r.scheduler.Reschedule(ctx, tx, g); err != nil {
			return err
		}

		return r.applyParticipantChanges(ctx, tx, g.ID, changes)
	})
}

func (r *PGRepository) UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE games SET status = $3, updated_at = now() WHERE id = $1 AND status = $2", id, from, to)
	if err != nil {
		return false, errors.WithStackIf(err)
	}

	n, err := res.RowsAffected()
	return n > 0, errors.WithStackIf(err)
}

func (r *PGRepository) CancelGame(ctx context.Context, id int64, from Status) (bool, error) {
	cancelled := false
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE games SET status = $3, updated_at = now() WHERE id = $1 AND status = $2", id, from, StatusCancelled)
		if err != nil {
			return errors.WithStackIf(err)
		}

		if n, _ := res.RowsAffected(); n < 1 {
			return nil
		}

		cancelled = true
		return r.scheduler.Unschedule(ctx, tx, id)
	})

	return cancelled && err == nil, err
}

// DeleteGame removes the game, its participants and schedule entries go with it through the cascading foreign keys
func (r *PGRepository) DeleteGame(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM games WHERE id = $1", id)
	if err != nil {
		return errors.WithStackIf(err)
	}

	if n, _ := res.RowsAffected(); n < 1 {
		return ErrGameNotFound
	}

	return nil
}

func (r *PGRepository) ListParticipants(ctx context.Context, gameID int64) ([]*participants.Participant, error) {
	var result []*participants.Participant
	err := r.db.SelectContext(ctx, &result, `
SELECT id, game_id, user_id, display_name, status, joined_at, is_pre_populated
FROM game_participants WHERE game_id = $1 ORDER BY joined_at ASC, id ASC`, gameID)
	return result, errors.WithStackIf(err)
}

func (r *PGRepository) AddParticipant(ctx context.Context, p *participants.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	err := r.db.GetContext(ctx, &p.ID, `
INSERT INTO game_participants (game_id, user_id, display_name, status, joined_at, is_pre_populated)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, p.GameID, p.UserID, p.DisplayName, p.Status, p.JoinedAt, p.IsPrePopulated)
	if common.ErrPQIsUniqueViolation(err) {
		return ErrAlreadyJoined
	}

	return errors.WithStackIf(err)
}

func (r *PGRepository) UpdateParticipants(ctx context.Context, gameID int64, changes ParticipantChanges) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		return r.applyParticipantChanges(ctx, tx, gameID, changes)
	})
}

func (r *PGRepository) applyParticipantChanges(ctx context.Context, tx *sqlx.Tx, gameID int64, changes ParticipantChanges) error {
	for _, v := range changes.Statuses {
		res, err := tx.ExecContext(ctx, "UPDATE game_participants SET status = $3 WHERE id = $1 AND game_id = $2 AND status = $4",
			v.ParticipantID, gameID, v.To, v.From)
		if err != nil {
			return errors.WithStackIf(err)
		}

		if n, _ := res.RowsAffected(); n < 1 {
			return errors.WithMessagef(ErrParticipantNotFound, "participant %d in status %s", v.ParticipantID, v.From)
		}
	}

	return r.scheduler.SchedulePromotions(ctx, tx, gameID, changes.Promoted)
}
