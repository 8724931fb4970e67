// Package games owns the game tables, the entry point that keeps a game's schedule entries
// in sync with it, and the handlers reacting to the events published for games.
package games

import (
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/lib/pq"
)

var logger = common.GetPluginLogger(&Plugin{})

type Plugin struct{}

func (p *Plugin) PluginInfo() *common.PluginInfo {
	return &common.PluginInfo{
		Name:     "Games",
		SysName:  "games",
		Category: common.PluginCategoryGames,
	}
}

// RegisterPlugin registers the games schema, has to run before the schedule schemas that reference it
func RegisterPlugin() {
	common.RegisterPlugin(&Plugin{})
	common.RegisterDBSchemas("games", DBSchemas...)
}

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}

	return false
}

// Closed is true for games that will never change status again
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) rank() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}

	return -1
}

// CanTransition reports whether a scheduled transition may move a game from s to target.
// Games only move forward and a cancelled game never moves again.
func (s Status) CanTransition(target Status) bool {
	if s == StatusCancelled || target == StatusCancelled || !target.Valid() {
		return false
	}

	return target.rank() > s.rank()
}

var (
	ErrGameNotFound        = errors.NewPlain("game not found")
	ErrParticipantNotFound = errors.NewPlain("participant not found")
	ErrGameClosed          = errors.NewPlain("game is completed or cancelled")
	ErrAlreadyJoined       = errors.NewPlain("user already joined the game")
	ErrNoTitle             = errors.NewPlain("game needs a title")
	ErrNoStartTime         = errors.NewPlain("game needs a start time")
	ErrInvalidDuration     = errors.NewPlain("game duration has to be positive")
	ErrInvalidReminder     = errors.NewPlain("reminder offsets have to be positive")
)

const DefaultDuration = time.Hour

// DefaultReminderMinutes is used when a game is created without reminder offsets
var DefaultReminderMinutes = []int64{60, 15}

type Game struct {
	ID        int64 `db:"id"`
	GuildID   int64 `db:"guild_id"`
	ChannelID int64 `db:"channel_id"`
	HostID    int64 `db:"host_id"`

	Title       string    `db:"title"`
	ScheduledAt time.Time `db:"scheduled_at"`
	// DurationSeconds is the expected length of the game, the COMPLETED transition is scheduled after it
	DurationSeconds int64 `db:"duration_seconds"`

	// MaxPlayers of 0 or less means no limit
	MaxPlayers      int           `db:"max_players"`
	ReminderMinutes pq.Int64Array `db:"reminder_minutes"`

	Status    Status    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (g *Game) Duration() time.Duration {
	return time.Duration(g.DurationSeconds) * time.Second
}

// EndsAt is when the game is expected to be over
func (g *Game) EndsAt() time.Time {
	return g.ScheduledAt.Add(g.Duration())
}

func (g *Game) Validate() error {
	if g.Title == "" {
		return ErrNoTitle
	}

	if g.ScheduledAt.IsZero() {
		return ErrNoStartTime
	}

	if g.DurationSeconds <= 0 {
		return ErrInvalidDuration
	}

	for _, v := range g.ReminderMinutes {
		if v <= 0 {
			return ErrInvalidReminder
		}
	}

	return nil
}

func (g *Game) applyDefaults() {
	if g.DurationSeconds == 0 {
		g.DurationSeconds = int64(DefaultDuration / time.Second)
	}

	if g.ReminderMinutes == nil {
		g.ReminderMinutes = append(pq.Int64Array{}, DefaultReminderMinutes...)
	}

	if g.Status == "" {
		g.Status = StatusScheduled
	}
}
