// Package session converts raw join/leave presence events into session
// lifecycle transitions and per-user participation accounting.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stagebot/internal/model"
	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

// ErrNoActiveSession is returned when an operation needs an active session
// and the channel has none.
var ErrNoActiveSession = errors.New("no active session")

// Tracker is the presence state machine. All handlers for one channel are
// serialized through a per-channel lock; two join events for the same channel
// must never both observe "no active session" and double-create one.
// Cross-channel events proceed in parallel.
type Tracker struct {
	store storage.Storage
	log   logx.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[transport.ChatTarget]*sync.Mutex
}

func New(store storage.Storage, log logx.Logger) *Tracker {
	return &Tracker{
		store: store,
		log:   log,
		now:   time.Now,
		locks: map[transport.ChatTarget]*sync.Mutex{},
	}
}

func (t *Tracker) lockFor(target transport.ChatTarget) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[target]
	if !ok {
		l = &sync.Mutex{}
		t.locks[target] = l
	}
	return l
}

// Track creates or refreshes the channel binding that makes presence events
// on this channel relevant.
func (t *Tracker) Track(ctx context.Context, target transport.ChatTarget, chatTitle, topicName string) error {
	ch := &model.TrackedChannel{
		ChatID:    target.ChatID,
		ThreadID:  target.ThreadID,
		ChatTitle: chatTitle,
		TopicName: topicName,
	}
	if err := t.store.UpsertChannel(ctx, ch); err != nil {
		return fmt.Errorf("track channel: %w", err)
	}
	return nil
}

// Untrack removes the channel binding. An active session, if any, is left to
// be ended explicitly.
func (t *Tracker) Untrack(ctx context.Context, target transport.ChatTarget) error {
	return t.store.DeleteChannel(ctx, target.ChatID, target.ThreadID)
}

// HandlePresence dispatches one presence event.
func (t *Tracker) HandlePresence(ctx context.Context, ev transport.Presence) error {
	if ev.Joined {
		return t.HandleJoin(ctx, ev)
	}
	return t.HandleLeave(ctx, ev)
}

// HandleJoin starts a session if none is active, upserts the participation
// record and advances the presence counter. Duplicate joins for a user who is
// already present are idempotent: no second row, no counter change.
func (t *Tracker) HandleJoin(ctx context.Context, ev transport.Presence) error {
	target := ev.Target
	l := t.lockFor(target)
	l.Lock()
	defer l.Unlock()

	if _, err := t.store.GetChannel(ctx, target.ChatID, target.ThreadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // not a tracked channel
		}
		return fmt.Errorf("channel lookup: %w", err)
	}

	now := t.eventTime(ev)

	sess, err := t.store.ActiveSession(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		sess = &model.Session{
			ChatID:    target.ChatID,
			ThreadID:  target.ThreadID,
			StartTime: now,
			IsActive:  true,
		}
		if err := t.store.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		t.log.Info("session started",
			logx.String("session", sess.ID),
			logx.Int64("chat_id", target.ChatID),
			logx.Int("thread_id", target.ThreadID))
	} else if err != nil {
		return fmt.Errorf("active session lookup: %w", err)
	}

	u, err := t.store.GetSessionUser(ctx, sess.ID, ev.UserID)
	switch {
	case err == nil && u.LeaveTime == nil:
		// Already accounted as present; nothing to do.
		t.log.Debug("duplicate join ignored",
			logx.String("session", sess.ID), logx.Int64("user_id", ev.UserID))
		return nil
	case err == nil:
		// Re-join: reopen the existing row, keep the accumulated total.
		u.JoinTime = now
		u.LeaveTime = nil
		u.Username = ev.Username
		u.DisplayName = ev.DisplayName
	case errors.Is(err, storage.ErrNotFound):
		u = &model.SessionUser{
			SessionID:   sess.ID,
			UserID:      ev.UserID,
			Username:    ev.Username,
			DisplayName: ev.DisplayName,
			JoinTime:    now,
		}
	default:
		return fmt.Errorf("session user lookup: %w", err)
	}

	if err := t.store.UpsertSessionUser(ctx, u); err != nil {
		return fmt.Errorf("upsert session user: %w", err)
	}
	if err := t.store.SetUniqueUserCount(ctx, sess.ID, sess.UniqueUserCount+1, now); err != nil {
		return fmt.Errorf("advance counter: %w", err)
	}
	return nil
}

// HandleLeave closes the participation record and decrements the counter in
// one transaction. A counter already at or below zero means accounting has
// drifted; the session is force-ended rather than raising an error.
func (t *Tracker) HandleLeave(ctx context.Context, ev transport.Presence) error {
	target := ev.Target
	l := t.lockFor(target)
	l.Lock()
	defer l.Unlock()

	sess, err := t.store.ActiveSession(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // leave on an untracked or idle channel
	}
	if err != nil {
		return fmt.Errorf("active session lookup: %w", err)
	}

	now := t.eventTime(ev)

	if sess.UniqueUserCount <= 0 {
		// Undercount drift: nobody was accounted as present. Close the whole
		// session defensively; any open rows (including this user's) get their
		// leave time and accumulated duration stamped.
		t.log.Warn("session counter drift, force-ending session",
			logx.String("session", sess.ID),
			logx.Int("count", sess.UniqueUserCount))
		if err := t.store.CloseSession(ctx, sess.ID, now); err != nil {
			return fmt.Errorf("force-end session: %w", err)
		}
		return nil
	}

	u, err := t.store.GetSessionUser(ctx, sess.ID, ev.UserID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && u.LeaveTime != nil) {
		t.log.Warn("leave without open participation record",
			logx.String("session", sess.ID), logx.Int64("user_id", ev.UserID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("session user lookup: %w", err)
	}

	newCount := sess.UniqueUserCount - 1
	total := u.TotalTimeMS + now.Sub(u.JoinTime).Milliseconds()
	if err := t.store.RecordLeave(ctx, sess.ID, ev.UserID, now, total, newCount, newCount == 0); err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	if newCount == 0 {
		t.log.Info("session ended",
			logx.String("session", sess.ID),
			logx.Int64("chat_id", target.ChatID),
			logx.Int("thread_id", target.ThreadID))
	}
	return nil
}

// EndTracking force-ends the channel's active session: every still-present
// participant is marked as leaving now, the counter is zeroed and the session
// deactivated.
func (t *Tracker) EndTracking(ctx context.Context, target transport.ChatTarget) (*model.Session, error) {
	l := t.lockFor(target)
	l.Lock()
	defer l.Unlock()

	sess, err := t.store.ActiveSession(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("active session lookup: %w", err)
	}

	now := t.now().UTC()
	if err := t.store.CloseSession(ctx, sess.ID, now); err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	t.log.Info("session ended by command",
		logx.String("session", sess.ID),
		logx.Int64("chat_id", target.ChatID))
	sess.IsActive = false
	sess.EndTime = &now
	sess.UniqueUserCount = 0
	return sess, nil
}

// Stats summarizes the channel's active session.
type Stats struct {
	Session      model.Session
	Participants int
	Present      int
	TotalMS      int64
	AverageMS    int64
}

// Stats computes participation totals for the active session, including the
// mean accumulated presence time across all participants.
func (t *Tracker) Stats(ctx context.Context, target transport.ChatTarget) (*Stats, error) {
	sess, err := t.store.ActiveSession(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("active session lookup: %w", err)
	}

	users, err := t.store.SessionUsers(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("session users: %w", err)
	}

	st := &Stats{Session: *sess, Participants: len(users)}
	for _, u := range users {
		st.TotalMS += u.TotalTimeMS
		if u.LeaveTime == nil {
			st.Present++
		}
	}
	if len(users) > 0 {
		st.AverageMS = st.TotalMS / int64(len(users))
	}
	return st, nil
}

func (t *Tracker) eventTime(ev transport.Presence) time.Time {
	if !ev.At.IsZero() {
		return ev.At.UTC()
	}
	return t.now().UTC()
}
