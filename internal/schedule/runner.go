// Package schedule owns scheduled one-shot and recurring messages: a
// minute-aligned sweep fires due rows, then deletes or reschedules them.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stagebot/internal/model"
	"stagebot/internal/recur"
	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

var (
	// ErrPastTime rejects schedule requests whose fire time is not in the future.
	ErrPastTime = errors.New("fire time is in the past")
	// ErrNoSuchEntry rejects removals with an out-of-range index.
	ErrNoSuchEntry = errors.New("no such scheduled message")
)

type Runner struct {
	store   storage.Storage
	adapter transport.Adapter
	log     logx.Logger
	loc     *time.Location
	now     func() time.Time
}

func New(store storage.Storage, adapter transport.Adapter, loc *time.Location, log logx.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		store:   store,
		adapter: adapter,
		log:     log,
		loc:     loc,
		now:     time.Now,
	}
}

// Add stores a scheduled message. The fire time is truncated to the minute
// (sweep granularity) and must be in the future.
func (r *Runner) Add(ctx context.Context, target transport.ChatTarget, body string, at time.Time, rule model.RepeatRule) (*model.ScheduledMessage, error) {
	at = at.Truncate(time.Minute)
	if !at.After(r.now()) {
		return nil, ErrPastTime
	}
	m := &model.ScheduledMessage{
		ChatID:   target.ChatID,
		ThreadID: target.ThreadID,
		Body:     body,
		FireAt:   at.UTC(),
		Repeat:   rule,
	}
	if err := r.store.CreateScheduled(ctx, m); err != nil {
		return nil, err
	}
	r.log.Info("scheduled message added",
		logx.String("id", m.ID),
		logx.Time("fire_at", m.FireAt),
		logx.String("repeat", string(m.Repeat)))
	return m, nil
}

// List returns the channel's scheduled messages ordered by fire time. The
// 1-based position in this list is the index Remove accepts.
func (r *Runner) List(ctx context.Context, target transport.ChatTarget) ([]model.ScheduledMessage, error) {
	return r.store.ListScheduled(ctx, target.ChatID, target.ThreadID)
}

// Remove deletes the index-th (1-based) scheduled message of the channel.
func (r *Runner) Remove(ctx context.Context, target transport.ChatTarget, index int) (*model.ScheduledMessage, error) {
	list, err := r.store.ListScheduled(ctx, target.ChatID, target.ThreadID)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(list) {
		return nil, ErrNoSuchEntry
	}
	m := list[index-1]
	if err := r.store.DeleteScheduled(ctx, m.ID); err != nil {
		return nil, err
	}
	return &m, nil
}

// Sweep fires every message whose fire time equals the current minute. A
// failed send is logged and the row left untouched; since the exact-minute
// match will not recur, the firing is effectively skipped rather than
// retried. On success the row is deleted (no repeat) or its fire time is
// advanced in place.
func (r *Runner) Sweep(ctx context.Context) {
	now := r.now().Truncate(time.Minute)
	due, err := r.store.DueScheduled(ctx, now)
	if err != nil {
		r.log.Error("due scheduled lookup failed", logx.Err(err))
		return
	}

	for _, m := range due {
		target := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		if _, err := r.adapter.SendText(ctx, target, m.Body, nil); err != nil {
			r.log.Warn("scheduled send failed, skipping this firing",
				logx.String("id", m.ID),
				logx.String("target", target.String()),
				logx.Err(err))
			continue
		}

		if m.Repeat == model.RepeatNone {
			if err := r.store.DeleteScheduled(ctx, m.ID); err != nil {
				r.log.Error("delete fired message failed", logx.String("id", m.ID), logx.Err(err))
			}
			continue
		}

		// Recurrence math runs in the configured location so "same
		// time-of-day" holds across DST changes.
		next := recur.Next(m.FireAt.In(r.loc), m.Repeat).UTC()
		if err := r.store.RescheduleScheduled(ctx, m.ID, next); err != nil {
			r.log.Error("reschedule failed", logx.String("id", m.ID), logx.Err(err))
			continue
		}
		r.log.Info("scheduled message rescheduled",
			logx.String("id", m.ID),
			logx.Time("next", next),
			logx.String("repeat", string(m.Repeat)))
	}
}

// FormatEntry renders one scheduled message for the list command.
func FormatEntry(i int, m model.ScheduledMessage, loc *time.Location) string {
	repeat := string(m.Repeat)
	if repeat == "" {
		repeat = "once"
	}
	return fmt.Sprintf("%d. %s (%s): %s", i, m.FireAt.In(loc).Format("2006-01-02 15:04"), repeat, m.Body)
}
