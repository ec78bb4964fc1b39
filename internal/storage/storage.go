// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"stagebot/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	// Tracked channels.
	UpsertChannel(ctx context.Context, ch *model.TrackedChannel) error
	GetChannel(ctx context.Context, chatID int64, threadID int) (*model.TrackedChannel, error)
	ListChannels(ctx context.Context) ([]model.TrackedChannel, error)
	DeleteChannel(ctx context.Context, chatID int64, threadID int) error

	// Sessions.
	CreateSession(ctx context.Context, s *model.Session) error
	ActiveSession(ctx context.Context, chatID int64, threadID int) (*model.Session, error)
	SetUniqueUserCount(ctx context.Context, sessionID string, count int, at time.Time) error
	EndSession(ctx context.Context, sessionID string, at time.Time) error

	// Participation records.
	UpsertSessionUser(ctx context.Context, u *model.SessionUser) error
	GetSessionUser(ctx context.Context, sessionID string, userID int64) (*model.SessionUser, error)
	SessionUsers(ctx context.Context, sessionID string) ([]model.SessionUser, error)

	// RecordLeave atomically marks one participant's leave, stores the new
	// session counter and, when endSession is set, closes the session.
	RecordLeave(ctx context.Context, sessionID string, userID int64, leaveAt time.Time, totalMS int64, newCount int, endSession bool) error

	// CloseSession atomically marks leave for every still-present participant
	// (accumulating their presence time up to at), zeroes the counter and
	// ends the session.
	CloseSession(ctx context.Context, sessionID string, at time.Time) error

	// Sticky directives.
	UpsertSticky(ctx context.Context, st *model.StickyMessage) error
	GetSticky(ctx context.Context, chatID int64, threadID int) (*model.StickyMessage, error)
	SetStickyLastMessage(ctx context.Context, id string, messageID int, at time.Time) error
	DeleteSticky(ctx context.Context, chatID int64, threadID int) error

	// Scheduled messages.
	CreateScheduled(ctx context.Context, m *model.ScheduledMessage) error
	ListScheduled(ctx context.Context, chatID int64, threadID int) ([]model.ScheduledMessage, error)
	DueScheduled(ctx context.Context, at time.Time) ([]model.ScheduledMessage, error)
	RescheduleScheduled(ctx context.Context, id string, fireAt time.Time) error
	DeleteScheduled(ctx context.Context, id string) error

	// Audit log. Append-only; never read by the core.
	AppendAudit(ctx context.Context, e model.AuditEntry) error

	Close() error
}
