// Package view derives display projections from store snapshots. Every
// function is pure: the same input and clock give the same output.
package view

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/mktinbox/internal/store"
)

// Sort orders a conversation list.
type Sort string

const (
	ByDate   Sort = "date"   // lastMessageDate, newest first
	ByName   Sort = "name"   // participantName, A to Z
	ByUnread Sort = "unread" // unreadCount, highest first
)

// ParseSort maps a user-supplied name to a Sort; empty means ByDate.
func ParseSort(s string) (Sort, error) {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case "", ByDate:
		return ByDate, nil
	case ByName:
		return ByName, nil
	case ByUnread:
		return ByUnread, nil
	}
	return "", fmt.Errorf("unknown sort %q (want date, name or unread)", s)
}

// Query is a conversation list filter plus ordering.
type Query struct {
	Text       string
	UnreadOnly bool
	TodayOnly  bool
	Sort       Sort
}

// Apply filters and sorts convs. The input slice is not modified.
func Apply(convs []store.Conversation, q Query, now time.Time, loc *time.Location) []store.Conversation {
	if loc == nil {
		loc = time.Local
	}
	out := make([]store.Conversation, 0, len(convs))
	for _, c := range convs {
		if q.Text != "" && !MatchText(c, q.Text) {
			continue
		}
		if q.UnreadOnly && c.UnreadCount <= 0 {
			continue
		}
		if q.TodayOnly && !SameDay(c.LastMessageDate, now, loc) {
			continue
		}
		out = append(out, c)
	}
	SortConversations(out, q.Sort)
	return out
}

// MatchText reports whether text occurs, ignoring case, in the subject,
// participant name or last message preview.
func MatchText(c store.Conversation, text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return true
	}
	for _, field := range []string{c.Subject, c.ParticipantName, c.LastMessageText} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// SortConversations orders convs in place. Ties fall back to newest first and
// then id so the order is total.
func SortConversations(convs []store.Conversation, by Sort) {
	slices.SortStableFunc(convs, func(a, b store.Conversation) int {
		switch by {
		case ByName:
			if c := strings.Compare(strings.ToLower(a.ParticipantName), strings.ToLower(b.ParticipantName)); c != 0 {
				return c
			}
		case ByUnread:
			if a.UnreadCount != b.UnreadCount {
				return b.UnreadCount - a.UnreadCount
			}
		}
		if c := b.LastMessageDate.Compare(a.LastMessageDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// SenderRun is a maximal stretch of consecutive messages from one sender.
type SenderRun struct {
	SenderID string
	Messages []store.Message
}

// DayGroup is a maximal stretch of consecutive messages on one local day.
type DayGroup struct {
	// Day is local midnight.
	Day  time.Time
	Runs []SenderRun
}

// GroupByDay splits msgs, assumed in display order, into contiguous day
// buckets and each bucket into contiguous same-sender runs.
func GroupByDay(msgs []store.Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range msgs {
		local := m.SentAt.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day})
		}
		g := &groups[len(groups)-1]
		if len(g.Runs) == 0 || g.Runs[len(g.Runs)-1].SenderID != m.SenderID {
			g.Runs = append(g.Runs, SenderRun{SenderID: m.SenderID})
		}
		r := &g.Runs[len(g.Runs)-1]
		r.Messages = append(r.Messages, m)
	}
	return groups
}

// FormatTimestamp renders t as a clock time when it is today, otherwise as a
// month/day date.
func FormatTimestamp(t, now time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	if SameDay(t, now, loc) {
		return t.In(loc).Format("15:04")
	}
	return t.In(loc).Format("01/02")
}

// DayLabel renders a DayGroup heading.
func DayLabel(day, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	switch {
	case SameDay(day, now, loc):
		return "Today"
	case SameDay(day, now.AddDate(0, 0, -1), loc):
		return "Yesterday"
	}
	return day.In(loc).Format("Mon, Jan 2 2006")
}
