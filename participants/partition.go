package participants

import (
	"sort"
)

// Partition is the split of a game's participants relative to its capacity
type Partition struct {
	Capacity  int
	Confirmed []*Participant
	Overflow  []*Participant
}

// Split orders every slot-occupying participant, placeholders included, by join time
// and takes the first capacity of them as confirmed. A capacity <= 0 means unlimited.
//
// Placeholders must be part of the ordering: they hold confirmed slots just like real users do,
// filter to real users only after splitting (see ConfirmedUserIDs and OverflowUserIDs).
func Split(list []*Participant, capacity int) Partition {
	ordered := make([]*Participant, 0, len(list))
	for _, v := range list {
		if v.Status.OccupiesSlot() {
			ordered = append(ordered, v)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].JoinedAt.Before(ordered[j].JoinedAt)
	})

	result := Partition{
		Capacity: capacity,
	}

	if capacity <= 0 || len(ordered) <= capacity {
		result.Confirmed = ordered
		return result
	}

	result.Confirmed = ordered[:capacity]
	result.Overflow = ordered[capacity:]
	return result
}

// ConfirmedUserIDs returns the real users in the confirmed slots, in join order
func (p Partition) ConfirmedUserIDs() []int64 {
	return userIDs(p.Confirmed)
}

// OverflowUserIDs returns the real users in the overflow slots, in join order
func (p Partition) OverflowUserIDs() []int64 {
	return userIDs(p.Overflow)
}

// IsConfirmed returns true if the user holds a confirmed slot
func (p Partition) IsConfirmed(userID int64) bool {
	for _, v := range p.Confirmed {
		if v.UserID.Valid && v.UserID.Int64 == userID {
			return true
		}
	}

	return false
}

func userIDs(list []*Participant) []int64 {
	result := make([]int64, 0, len(list))
	for _, v := range list {
		if v.UserID.Valid {
			result = append(result, v.UserID.Int64)
		}
	}

	return result
}

// Promoted returns the users that were in the overflow of old and are confirmed in new,
// these are the users that should be told they got a spot.
func Promoted(old, new Partition) []int64 {
	wasOverflow := make(map[int64]bool)
	for _, v := range old.OverflowUserIDs() {
		wasOverflow[v] = true
	}

	var result []int64
	for _, v := range new.ConfirmedUserIDs() {
		if wasOverflow[v] {
			result = append(result, v)
		}
	}

	return result
}
