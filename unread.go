package inbox

import "github.com/samber/lo"

// UnreadCounter publishes the total unread count across conversations. The
// store recomputes it from the list after every mutation, so it never drifts
// from the per-conversation counts.
type UnreadCounter struct {
	total *Value[int]
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{total: NewValue(0)}
}

// Total returns the signal carrying the current total.
func (u *UnreadCounter) Total() *Value[int] {
	return u.total
}

// Count returns the current total.
func (u *UnreadCounter) Count() int {
	return u.total.Get()
}

// Recompute sets the total to the sum of the list's unread counts.
func (u *UnreadCounter) Recompute(conversations []Conversation) int {
	n := TotalUnread(conversations)
	u.total.Set(n)
	return n
}

// TotalUnread sums the unread counts, treating negatives as zero.
func TotalUnread(conversations []Conversation) int {
	return lo.SumBy(conversations, func(c Conversation) int {
		return max(c.UnreadCount, 0)
	})
}
