package schedule

import (
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/events"
)

const (
	TargetInProgress = "IN_PROGRESS"
	TargetCompleted  = "COMPLETED"
)

// BuildFunc builds the event for a due entry, along with the TTL it should be published with (0 for none)
type BuildFunc func(entry *Entry, now time.Time) (*events.Event, time.Duration, error)

// Kind parametrizes the store and daemon for one schedule table
type Kind struct {
	Name         string
	Table        string
	SubjectTable string

	// HasSubjectScheduledAt is set for kinds that carry a copy of the subject's start time
	HasSubjectScheduledAt bool

	ValidateTarget func(target string) error
	Build          BuildFunc
}

// NotifyChannel is the postgres channel notified when entries are inserted or rescheduled
func (k *Kind) NotifyChannel() string {
	return k.Table + "_changed"
}

var (
	ErrInvalidTarget      = errors.NewPlain("invalid schedule target")
	ErrMissingScheduledAt = errors.NewPlain("reminder entry has no subject_scheduled_at")
)

// RemindersKind schedules reminders, the target is the reminder offset in minutes
var RemindersKind = &Kind{
	Name:                  "reminders",
	Table:                 "game_reminder_schedules",
	SubjectTable:          "games",
	HasSubjectScheduledAt: true,
	ValidateTarget:        validateReminderTarget,
	Build:                 BuildReminder,
}

// TransitionsKind schedules status transitions, the target is the status to move to
var TransitionsKind = &Kind{
	Name:           "transitions",
	Table:          "game_status_schedules",
	SubjectTable:   "games",
	ValidateTarget: validateTransitionTarget,
	Build:          BuildTransition,
}

// PromotionsKind is the outbox for promotions, written in the same transaction as the participant statuses.
// The target is the promoted user and the entry is due as soon as it's written.
var PromotionsKind = &Kind{
	Name:           "promotions",
	Table:          "game_promotion_schedules",
	SubjectTable:   "games",
	ValidateTarget: validatePromotionTarget,
	Build:          BuildPromotion,
}

// ReminderTarget is the target of the reminder sent minutes before the start
func ReminderTarget(minutes int) string {
	return strconv.Itoa(minutes)
}

func validateReminderTarget(target string) error {
	minutes, err := strconv.Atoi(target)
	if err != nil || minutes <= 0 {
		return errors.WithMessage(ErrInvalidTarget, target)
	}

	return nil
}

func validateTransitionTarget(target string) error {
	if target == TargetInProgress || target == TargetCompleted {
		return nil
	}

	return errors.WithMessage(ErrInvalidTarget, target)
}

// PromotionTarget is the target of the promotion entry for a user
func PromotionTarget(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func parsePromotionTarget(target string) (int64, error) {
	userID, err := strconv.ParseInt(target, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.WithMessage(ErrInvalidTarget, target)
	}

	return userID, nil
}

func validatePromotionTarget(target string) error {
	_, err := parsePromotionTarget(target)
	return err
}

// ReminderTTL is the time left until the subject starts, at least 1ms so a reminder
// for something that already started expires right away instead of never
func ReminderTTL(subjectScheduledAt, now time.Time) time.Duration {
	ttl := subjectScheduledAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	return ttl
}

func BuildReminder(entry *Entry, now time.Time) (*events.Event, time.Duration, error) {
	minutes, err := strconv.Atoi(entry.Target)
	if err != nil {
		return nil, 0, errors.WithMessage(ErrInvalidTarget, entry.Target)
	}

	if !entry.SubjectScheduledAt.Valid {
		return nil, 0, ErrMissingScheduledAt
	}

	evt, err := events.NewEvent(events.EventReminderDue, &events.ReminderDue{
		GameID:          entry.SubjectID,
		ReminderMinutes: minutes,
		ScheduledAt:     entry.SubjectScheduledAt.Time.UTC(),
	})
	if err != nil {
		return nil, 0, err
	}

	return evt, ReminderTTL(entry.SubjectScheduledAt.Time, now), nil
}

// BuildTransition never sets a TTL, transitions must not expire
func BuildTransition(entry *Entry, now time.Time) (*events.Event, time.Duration, error) {
	if err := validateTransitionTarget(entry.Target); err != nil {
		return nil, 0, err
	}

	evt, err := events.NewEvent(events.EventTransitionDue, &events.TransitionDue{
		GameID:       entry.SubjectID,
		TargetStatus: entry.Target,
	})

	return evt, 0, err
}

// BuildPromotion never sets a TTL, a user must always learn they got a slot
func BuildPromotion(entry *Entry, now time.Time) (*events.Event, time.Duration, error) {
	userID, err := parsePromotionTarget(entry.Target)
	if err != nil {
		return nil, 0, err
	}

	evt, err := events.NewEvent(events.EventPromotionDue, &events.PromotionDue{
		GameID:  entry.SubjectID,
		UserIDs: []int64{userID},
	})

	return evt, 0, err
}
