// Package model defines the persisted entities.
package model

import (
	"fmt"
	"strings"
	"time"
)

// TrackedChannel binds a chat/topic pair to presence tracking.
// Unique per (ChatID, ThreadID).
type TrackedChannel struct {
	ID        string
	ChatID    int64
	ThreadID  int
	ChatTitle string
	TopicName string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is one continuous tracking period for a channel.
// EndTime is nil while the session is active. At most one active
// session exists per (ChatID, ThreadID) at any time.
type Session struct {
	ID              string
	ChatID          int64
	ThreadID        int
	StartTime       time.Time
	EndTime         *time.Time
	IsActive        bool
	UniqueUserCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionUser is the participation record for one (session, user) pair.
// LeaveTime is nil while the user is present. TotalTimeMS accumulates
// across re-joins and only advances forward.
type SessionUser struct {
	ID          string
	SessionID   string
	UserID      int64
	Username    string
	DisplayName string
	JoinTime    time.Time
	LeaveTime   *time.Time
	TotalTimeMS int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StickyMessage is the per-channel directive: a body plus the id of the
// last posted copy. At most one per (ChatID, ThreadID).
type StickyMessage struct {
	ID            string
	ChatID        int64
	ThreadID      int
	Body          string
	LastMessageID int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RepeatRule selects how a scheduled message recurs after firing.
type RepeatRule string

const (
	RepeatNone    RepeatRule = ""
	RepeatDaily   RepeatRule = "daily"
	RepeatWeekly  RepeatRule = "weekly"
	RepeatMonthly RepeatRule = "monthly"
	// RepeatLastWeekday fires on the last matching weekday of each month
	// (e.g. the last Friday).
	RepeatLastWeekday RepeatRule = "last_weekday"
)

// ParseRepeatRule accepts the user-facing spellings of a repeat rule.
func ParseRepeatRule(s string) (RepeatRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "once":
		return RepeatNone, nil
	case "daily":
		return RepeatDaily, nil
	case "weekly":
		return RepeatWeekly, nil
	case "monthly":
		return RepeatMonthly, nil
	case "last_weekday", "last-weekday", "lastweekday":
		return RepeatLastWeekday, nil
	default:
		return RepeatNone, fmt.Errorf("unknown repeat rule %q", s)
	}
}

// ScheduledMessage fires once at FireAt (minute granularity) and is then
// deleted or rescheduled according to Repeat.
type ScheduledMessage struct {
	ID        string
	ChatID    int64
	ThreadID  int
	Body      string
	FireAt    time.Time
	Repeat    RepeatRule
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEntry records one accepted command. Append-only.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Params        string
}
