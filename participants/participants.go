// Package participants holds the participant model of a game and the partitioning of
// participants into confirmed and overflow (waitlisted) slots.
package participants

import (
	"time"

	"emperror.dev/errors"
	"github.com/volatiletech/null/v8"
)

type Status string

const (
	StatusJoined      Status = "JOINED"
	StatusWaitlist    Status = "WAITLIST"
	StatusPlaceholder Status = "PLACEHOLDER"
	StatusDropped     Status = "DROPPED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusJoined, StatusWaitlist, StatusPlaceholder, StatusDropped:
		return true
	}

	return false
}

// OccupiesSlot reports whether a participant with this status counts towards the capacity
func (s Status) OccupiesSlot() bool {
	return s != StatusDropped
}

var (
	ErrNoIdentity     = errors.NewPlain("participant needs either a user id or a display name")
	ErrBothIdentities = errors.NewPlain("participant can't have both a user id and a display name")
	ErrInvalidStatus  = errors.NewPlain("invalid participant status")
)

type Participant struct {
	ID     int64 `db:"id"`
	GameID int64 `db:"game_id"`

	// UserID is null for placeholder slots, those carry a DisplayName instead
	UserID      null.Int64  `db:"user_id"`
	DisplayName null.String `db:"display_name"`

	Status         Status    `db:"status"`
	JoinedAt       time.Time `db:"joined_at"`
	IsPrePopulated bool      `db:"is_pre_populated"`
}

func (p *Participant) IsPlaceholder() bool {
	return !p.UserID.Valid
}

// Validate checks that exactly one of user id and display name is set
func (p *Participant) Validate() error {
	hasName := p.DisplayName.Valid && p.DisplayName.String != ""

	if p.UserID.Valid && hasName {
		return ErrBothIdentities
	}

	if !p.UserID.Valid && !hasName {
		return ErrNoIdentity
	}

	if !p.Status.Valid() {
		return ErrInvalidStatus
	}

	return nil
}
